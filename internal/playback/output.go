// ABOUTME: MIDI output port enumeration and access
// ABOUTME: Registers the native driver once at package init, matching gomidi's usual setup
package playback

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// sender is the subset of gomidi's send capability playback needs. It lets
// tests substitute a fake without opening a real MIDI port.
type sender interface {
	Send(msg midi.Message) error
	Close() error
}

type portSender struct {
	out  drivers.Out
	send func(midi.Message) error
}

func (p portSender) Send(msg midi.Message) error { return p.send(msg) }
func (p portSender) Close() error                 { return p.out.Close() }

// OutPortNames lists the currently available MIDI output ports, in the
// order Block.Content.(MIDISource).Port indexes into.
func OutPortNames() []string {
	ports := midi.OutPorts()
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.String()
	}
	return names
}

// openOutPort opens the output port at index. Harmonia always opens (and
// closes) a port fresh for each playback rather than holding one open
// across plays, since associated_port may change between uploads of the
// same physical hardware port.
func openOutPort(index int) (sender, error) {
	ports := midi.OutPorts()
	if index < 0 || index >= len(ports) {
		return nil, fmt.Errorf("playback: port index %d out of range (have %d ports)", index, len(ports))
	}
	out := ports[index]
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("playback: open port %d (%s): %w", index, out.String(), err)
	}
	return portSender{out: out, send: send}, nil
}
