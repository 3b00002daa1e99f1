package gametest

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/victornm/slangquiz/internal/errors"
)

// Conn records every message sent to it.
type Conn struct {
	id string

	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("connection closed: conn=%s", c.id))
	}

	c.msgs = append(c.msgs, slices.Clone(msg))
	return nil
}

// SetFail makes subsequent sends fail.
func (c *Conn) SetFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fail = fail
}

// Messages decodes every recorded message in arrival order.
func (c *Conn) Messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.msgs))
	for _, b := range c.msgs {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}

	return out
}

// Types returns the type field of every recorded message.
func (c *Conn) Types() []string {
	var types []string
	for _, m := range c.Messages() {
		t, _ := m["type"].(string)
		types = append(types, t)
	}

	return types
}

// OfType returns the recorded messages with the given type.
func (c *Conn) OfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.Messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}

	return out
}

// Last returns the latest message with the given type, or nil.
func (c *Conn) Last(typ string) map[string]any {
	msgs := c.OfType(typ)
	if len(msgs) == 0 {
		return nil
	}

	return msgs[len(msgs)-1]
}

// Reset forgets the recorded messages.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = nil
}
