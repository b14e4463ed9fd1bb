package serialmux

import (
	"errors"
	"sync"

	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
)

// ErrUnknownHeader describes packets that no handler or fallback consumed.
var ErrUnknownHeader = errors.New("serialmux: no handler for header")

// Handler consumes one decoded packet. Handlers run on the read loop and must
// not block; the packet body is only valid for the duration of the call.
type Handler func(pkt protocol.Packet)

// handlerTable is the ordered header to handler mapping. Packets whose header
// has no handlers go to the fallback list instead.
type handlerTable struct {
	mu       sync.RWMutex
	byHeader map[byte][]Handler
	fallback []Handler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{byHeader: make(map[byte][]Handler)}
}

func (t *handlerTable) add(header byte, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byHeader[header] = append(t.byHeader[header], h)
}

func (t *handlerTable) addFallback(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = append(t.fallback, h)
}

// dispatch invokes the handlers for pkt in registration order.
func (t *handlerTable) dispatch(pkt protocol.Packet) {
	t.mu.RLock()
	handlers := t.byHeader[pkt.Header]
	fallback := t.fallback
	t.mu.RUnlock()

	if len(handlers) > 0 {
		for _, h := range handlers {
			h(pkt)
		}
		return
	}

	if len(fallback) == 0 {
		monitoring.UnknownHeaders.WithLabelValues("dropped").Inc()
		monitoring.Logf("serialmux: %v: %s", ErrUnknownHeader, pkt)
		return
	}
	monitoring.UnknownHeaders.WithLabelValues("handled").Inc()
	for _, h := range fallback {
		h(pkt)
	}
}
