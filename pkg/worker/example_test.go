package worker_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/arcflow"
	"github.com/petrijr/arcflow/pkg/worker"
)

// level is a node holding one parameter.
type level struct {
	arcflow.BaseNode
	value []byte
}

func (l *level) SetParameter(tag uint8, data []byte) error {
	l.value = append([]byte(nil), data...)
	return nil
}

func (l *level) ReadParameter(tag uint8) ([]byte, error) { return l.value, nil }

// ExampleWorker demonstrates constructing a Worker explicitly and steering
// its stream through the control queue.
func ExampleWorker() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	image := arcflow.NewGraphBuilder().
		Arc("a", arcflow.ArcOptions{Size: 16}).
		Node(7, arcflow.NodeOptions{Inputs: []string{"a"}}).
		MustBuild()

	p, err := arcflow.NewPlatform(arcflow.PlatformConfig{})
	if err != nil {
		log.Fatal(err)
	}
	eng, err := arcflow.NewEngine(arcflow.EngineConfig{Platform: p})
	if err != nil {
		log.Fatal(err)
	}
	if err := eng.RegisterNode(7, func() arcflow.Node { return &level{} }); err != nil {
		log.Fatal(err)
	}
	if err := eng.Install(ctx, image); err != nil {
		log.Fatal(err)
	}
	stream, err := eng.Boot(ctx, arcflow.DefaultIdentity)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := stream.Reset(ctx); err != nil {
		log.Fatal(err)
	}

	w := worker.New(stream, arcflow.NewInMemoryQueue(16))

	// Control tasks are applied between scheduling passes.
	if err := w.EnqueueSetParameter(ctx, 0, 1, []byte("loud")); err != nil {
		log.Fatal(err)
	}
	if _, err := w.Step(ctx); err != nil {
		log.Fatal(err)
	}

	v, err := stream.ReadParameter(ctx, 0, 1)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(v))
	// Output: loud
}
