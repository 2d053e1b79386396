package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/arcflow/pkg/api"
)

func (s *stream) SetParameter(node int, tag uint8, data []byte) error {
	n, err := s.node(node)
	if err != nil {
		return err
	}
	if tag > api.MaxTag {
		return fmt.Errorf("parameter tag %d above %d", tag, api.MaxTag)
	}
	n.queueParam(tag, data)
	return nil
}

func (s *stream) ReadParameter(ctx context.Context, node int, tag uint8) ([]byte, error) {
	n, err := s.node(node)
	if err != nil {
		return nil, err
	}
	if tag > api.MaxTag {
		return nil, fmt.Errorf("parameter tag %d above %d", tag, api.MaxTag)
	}
	// Not a scheduling pass, so a refusal is not reported as contention.
	if !s.lock(n) {
		return nil, fmt.Errorf("node at position %d: %w", node, ErrBusy)
	}
	defer s.release(ctx, n)

	word := s.word(n, api.CommandReadParameter).WithTag(tag)
	_, data, err := api.Invoke(n.impl, api.Invocation{Word: word})
	if err != nil {
		return nil, fmt.Errorf("node at position %d parameter %d: %w", node, tag, err)
	}
	return data, nil
}
