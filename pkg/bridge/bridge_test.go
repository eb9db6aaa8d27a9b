package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipdispatch/pkg/dispatch"
)

type fakeSession struct {
	id string
}

func (s *fakeSession) ID() string         { return s.id }
func (s *fakeSession) CallID() string     { return "cid-" + s.id }
func (s *fakeSession) RemoteURI() sip.Uri { return sip.Uri{Scheme: "sip", Host: "example.com"} }
func (s *fakeSession) SDP() []byte        { return []byte("v=0\r\n") }

func TestRegistryBridgeAndPeer(t *testing.T) {
	r := NewRegistry(nil, nil)

	in := &fakeSession{id: "in-1"}
	out := &fakeSession{id: "out-1"}
	require.NoError(t, r.Bridge(in, out))
	assert.Equal(t, 1, r.Len())

	peer, ok := r.Peer("in-1")
	require.True(t, ok)
	assert.Equal(t, "out-1", peer.ID())

	peer, ok = r.Peer("out-1")
	require.True(t, ok)
	assert.Equal(t, "in-1", peer.ID())

	_, ok = r.Peer("unknown")
	assert.False(t, ok)
}

func TestRegistryRejectsDoubleBridge(t *testing.T) {
	r := NewRegistry(nil, nil)

	in := &fakeSession{id: "in-1"}
	out := &fakeSession{id: "out-1"}
	require.NoError(t, r.Bridge(in, out))

	assert.Error(t, r.Bridge(in, &fakeSession{id: "out-2"}))
	assert.Error(t, r.Bridge(&fakeSession{id: "in-2"}, out))
	assert.Error(t, r.Bridge(nil, out))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryReleaseHangsUpPeer(t *testing.T) {
	var mu sync.Mutex
	var hungUp []string
	r := NewRegistry(func(sessionID string) error {
		mu.Lock()
		hungUp = append(hungUp, sessionID)
		mu.Unlock()
		return nil
	}, nil)

	require.NoError(t, r.Bridge(&fakeSession{id: "in-1"}, &fakeSession{id: "out-1"}))

	// Завершение входящей ноги вешает исходящую
	r.Release("in-1")
	assert.Equal(t, 0, r.Len())
	mu.Lock()
	assert.Equal(t, []string{"out-1"}, hungUp)
	mu.Unlock()

	// Повторный Release той же ноги - no-op
	r.Release("in-1")
	r.Release("out-1")
	mu.Lock()
	assert.Len(t, hungUp, 1)
	mu.Unlock()
}

func TestRegistryReleaseUnknownSession(t *testing.T) {
	r := NewRegistry(func(string) error {
		t.Fatal("hangup не должен вызываться для несбридженной ноги")
		return nil
	}, nil)

	r.Release("ghost")
}

func TestRegistryReleaseSurvivesHangupError(t *testing.T) {
	r := NewRegistry(func(string) error {
		return errors.New("нога уже завершена")
	}, nil)

	require.NoError(t, r.Bridge(&fakeSession{id: "a"}, &fakeSession{id: "b"}))
	r.Release("a")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryImplementsBridger(t *testing.T) {
	var _ dispatch.Bridger = NewRegistry(nil, nil)
}
