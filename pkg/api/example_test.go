package api_test

import (
	"fmt"

	"github.com/petrijr/arcflow/pkg/api"
)

// passthrough copies its first input to its first output.
type passthrough struct{ api.BaseNode }

func (passthrough) Run(cmd api.CommandWord, bufs []api.Buffer) api.Status {
	n := copy(bufs[cmd.Inputs()].Data, bufs[0].Data)
	bufs[0].Size, bufs[cmd.Inputs()].Size = n, n
	return api.StatusDone
}

// ExampleInvoke shows how a command word routes to a Node method.
func ExampleInvoke() {
	in := []byte("frame")
	out := make([]byte, 8)
	bufs := []api.Buffer{{Data: in, Size: len(in)}, {Data: out, Size: len(out)}}

	word := api.NewCommandWord(api.CommandRun, 0, 0, 0, 1, 1)
	status, _, err := api.Invoke(passthrough{}, api.Invocation{Word: word, Buffers: bufs})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println(word.Command(), status, bufs[1].Size, string(out[:bufs[1].Size]))
	// Output: run done 5 frame
}
