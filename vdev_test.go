package wlandp

import (
	"net"
	"testing"

	"github.com/slackhq/wlandp/intr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

// addPeer creates a peer and drops the caller's reference, leaving the
// vdev's.
func addPeer(t *testing.T, v *VDev, mac string) {
	t.Helper()
	p, err := v.CreatePeer(mustMAC(t, mac))
	require.NoError(t, err)
	p.Release()
}

func attachedPDev(t *testing.T) (*testRig, *PDev) {
	t.Helper()
	r := newTestRig(intr.ModePoll)
	require.NoError(t, r.soc.Attach())
	t.Cleanup(r.soc.Detach)

	pd, err := r.soc.AttachPDev(0)
	require.NoError(t, err)
	return r, pd
}

func TestVDev_Create(t *testing.T) {
	_, pd := attachedPDev(t)

	v, err := pd.CreateVDev(1, mustMAC(t, "02:00:00:00:01:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, v.ID())
	assert.Same(t, pd, v.PDev())
	assert.Equal(t, "02:00:00:00:01:00", v.MAC().String())

	_, err = pd.CreateVDev(1, mustMAC(t, "02:00:00:00:01:01"))
	assert.Error(t, err)

	got, ok := pd.VDev(1)
	assert.True(t, ok)
	assert.Same(t, v, got)
}

func TestPeer_References(t *testing.T) {
	r, pd := attachedPDev(t)
	v, err := pd.CreateVDev(0, mustMAC(t, "02:00:00:00:00:01"))
	require.NoError(t, err)

	mac := mustMAC(t, "a4:5e:60:00:00:01")
	p, err := v.CreatePeer(mac)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Refs(), "one for the vdev, one for the caller")
	assert.Same(t, v, p.VDev())
	p.Release()
	assert.Equal(t, 1, p.Refs())

	_, err = v.CreatePeer(mac)
	assert.Error(t, err, "duplicate mac")

	found, ok := r.soc.FindPeer(mac)
	require.True(t, ok)
	assert.Same(t, p, found)
	assert.Equal(t, 2, p.Refs())

	require.NoError(t, v.DeletePeer(mac))
	assert.Equal(t, 1, p.Refs(), "the lookup reference keeps the peer alive")
	_, ok = r.soc.FindPeer(mac)
	assert.False(t, ok, "a deleted peer can not be found")
	assert.Error(t, v.DeletePeer(mac))

	found.Release()
	assert.Zero(t, p.Refs())

	// Over releasing is logged, not fatal.
	assert.NotPanics(t, p.Release)
}

func TestVDev_DeleteDeferredByPeers(t *testing.T) {
	r, pd := attachedPDev(t)
	v, err := pd.CreateVDev(3, mustMAC(t, "02:00:00:00:03:00"))
	require.NoError(t, err)

	released := 0
	v.OnRelease(func(got *VDev) {
		assert.Same(t, v, got)
		released++
	})

	a := mustMAC(t, "a4:5e:60:00:00:0a")
	b := mustMAC(t, "a4:5e:60:00:00:0b")
	addPeer(t, v, a.String())
	addPeer(t, v, b.String())
	assert.Equal(t, 2, v.Peers())

	held, ok := r.soc.FindPeer(b)
	require.True(t, ok)

	assert.False(t, v.Delete(), "vdev with peers must wait")
	assert.False(t, v.Released())
	_, err = v.CreatePeer(mustMAC(t, "a4:5e:60:00:00:0c"))
	assert.ErrorIs(t, err, ErrVDevDeleting)

	require.NoError(t, v.DeletePeer(a))
	require.NoError(t, v.DeletePeer(b))
	assert.Zero(t, v.Peers())
	assert.False(t, v.Released(), "b is still referenced")
	assert.Zero(t, released)

	held.Release()
	assert.True(t, v.Released())
	assert.Equal(t, 1, released)

	_, ok = pd.VDev(3)
	assert.False(t, ok)
	assert.True(t, v.Delete(), "deleting again reports the vdev as released")
	assert.Equal(t, 1, released)
}

func TestVDev_DeleteWithoutPeers(t *testing.T) {
	_, pd := attachedPDev(t)
	v, err := pd.CreateVDev(0, mustMAC(t, "02:00:00:00:00:01"))
	require.NoError(t, err)

	called := false
	v.OnRelease(func(*VDev) { called = true })
	assert.True(t, v.Delete())
	assert.True(t, called)
}

func TestSoC_PeerLimit(t *testing.T) {
	r, pd := attachedPDev(t)
	v, err := pd.CreateVDev(0, mustMAC(t, "02:00:00:00:00:01"))
	require.NoError(t, err)

	macs := []string{"a4:5e:60:00:00:01", "a4:5e:60:00:00:02", "a4:5e:60:00:00:03", "a4:5e:60:00:00:04"}
	for _, m := range macs {
		addPeer(t, v, m)
	}
	assert.Equal(t, r.soc.Config().MaxClients, r.soc.Peers())

	_, err = v.CreatePeer(mustMAC(t, "a4:5e:60:00:00:05"))
	assert.ErrorIs(t, err, ErrPeerLimit)

	require.NoError(t, v.DeletePeer(mustMAC(t, macs[0])))
	addPeer(t, v, "a4:5e:60:00:00:05")
}

func TestSoC_PeersWithPrefix(t *testing.T) {
	r, pd := attachedPDev(t)
	v0, err := pd.CreateVDev(0, mustMAC(t, "02:00:00:00:00:01"))
	require.NoError(t, err)
	v1, err := pd.CreateVDev(1, mustMAC(t, "02:00:00:00:00:02"))
	require.NoError(t, err)

	for _, m := range []string{"a4:5e:60:00:00:02", "a4:5e:60:00:00:01"} {
		addPeer(t, v0, m)
	}
	addPeer(t, v1, "3c:22:fb:00:00:01")

	var got []string
	for _, p := range r.soc.PeersWithPrefix("a4:5e:60") {
		got = append(got, p.MAC().String())
	}
	assert.Equal(t, []string{"a4:5e:60:00:00:01", "a4:5e:60:00:00:02"}, got)
	assert.Len(t, r.soc.PeersWithPrefix(""), 3)
	assert.Empty(t, r.soc.PeersWithPrefix("ff"))
}

func TestPDev_DetachDeletesVDevs(t *testing.T) {
	r, pd := attachedPDev(t)
	v, err := pd.CreateVDev(0, mustMAC(t, "02:00:00:00:00:01"))
	require.NoError(t, err)

	released := false
	v.OnRelease(func(*VDev) { released = true })

	mac := mustMAC(t, "a4:5e:60:00:00:01")
	addPeer(t, v, mac.String())
	held, ok := r.soc.FindPeer(mac)
	require.True(t, ok)

	pd.Detach()
	assert.Zero(t, r.soc.Peers())
	assert.False(t, released, "a referenced peer holds the vdev")

	_, err = pd.CreateVDev(1, mustMAC(t, "02:00:00:00:00:02"))
	assert.Error(t, err)

	held.Release()
	assert.True(t, released)
}

func TestPeer_CreatorReleaseKeepsPeerIndexed(t *testing.T) {
	r, pd := attachedPDev(t)
	v, err := pd.CreateVDev(0, mustMAC(t, "02:00:00:00:00:01"))
	require.NoError(t, err)

	released := false
	v.OnRelease(func(*VDev) { released = true })

	mac := mustMAC(t, "a4:5e:60:00:00:01")
	p, err := v.CreatePeer(mac)
	require.NoError(t, err)
	p.Release()

	found, ok := r.soc.FindPeer(mac)
	require.True(t, ok, "the vdev still holds the peer")
	assert.Same(t, p, found)
	found.Release()
	assert.Equal(t, 1, p.Refs())

	require.NoError(t, v.DeletePeer(mac))
	assert.Zero(t, p.Refs())
	assert.True(t, v.Delete())
	assert.True(t, released)
}
