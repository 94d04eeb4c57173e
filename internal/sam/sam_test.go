package sam_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
	"github.com/SimplyPrint/calypso-agent/internal/stubcard"
)

var testKeys = sam.Keys{
	calypso.LevelPersonalization: []byte("perso-master-key"),
	calypso.LevelLoad:            []byte("load-master-key"),
	calypso.LevelDebit:           []byte("debit-master-key"),
}

var serial = []byte{0, 0, 0, 0, 0x12, 0x34, 0x56, 0x78}

// cardSide computes what the card would compute for the same session.
func cardSide(level calypso.AccessLevel, samCh, openResp []byte, exchanges ...[]byte) (terminal, card []byte) {
	key := sam.DiversifyKey(testKeys[level], serial)
	sk := sam.SessionKey(key, samCh, openResp[:4])
	tr := sam.NewTranscript(openResp)
	tr.Add(exchanges...)
	digest := tr.Sum()
	return sam.TerminalMAC(sk, digest), sam.CardMAC(sk, digest)
}

func TestSoftwareSessionRoundTrip(t *testing.T) {
	m := sam.NewSoftware("soft", testKeys, sam.WithRandom(stubcard.NewSequence(1)))

	ch, err := m.GetChallenge()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, ch)

	openResp := []byte{0xC0, 0xDE, 0x00, 0x01, 0x01, 0x03}
	require.NoError(t, m.DigestInit(calypso.DigestParams{
		Level:        calypso.LevelDebit,
		KeyIndex:     calypso.LevelDebit.KeyIndex(),
		Serial:       serial,
		SamChallenge: ch,
		OpenResponse: openResp,
	}))
	cmd := []byte{0x00, 0xB2, 0x01, 0x3D, 0x01, 0x01, 0x00}
	resp := []byte{0x01, 0x02, 0xAA, 0xBB, 0x90, 0x00}
	require.NoError(t, m.DigestUpdate(cmd, resp))

	mac, err := m.DigestClose()
	require.NoError(t, err)
	wantTerminal, wantCard := cardSide(calypso.LevelDebit, ch, openResp, cmd, resp)
	assert.Equal(t, wantTerminal, mac)
	assert.Len(t, mac, sam.MACSize)

	valid, err := m.DigestAuthenticate(wantCard)
	require.NoError(t, err)
	assert.True(t, valid)

	challenges, auths := m.Stats()
	assert.Equal(t, 1, challenges)
	assert.Equal(t, 1, auths)

	_, err = m.DigestAuthenticate(wantCard)
	assert.ErrorIs(t, err, sam.ErrNoSession)
}

func TestSoftwareRejectsWrongCardMAC(t *testing.T) {
	m := sam.NewSoftware("soft", testKeys, sam.WithRandom(stubcard.NewSequence(0)))
	ch, err := m.GetChallenge()
	require.NoError(t, err)
	openResp := []byte{1, 2, 3, 4, 0, 2}
	require.NoError(t, m.DigestInit(calypso.DigestParams{Level: calypso.LevelLoad, Serial: serial, SamChallenge: ch, OpenResponse: openResp}))
	_, err = m.DigestClose()
	require.NoError(t, err)

	valid, err := m.DigestAuthenticate(make([]byte, sam.MACSize))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestSoftwareErrors(t *testing.T) {
	m := sam.NewSoftware("soft", sam.Keys{calypso.LevelDebit: []byte("k")})

	assert.ErrorIs(t, m.DigestUpdate([]byte{1}, []byte{2}), sam.ErrNoSession)
	_, err := m.DigestClose()
	assert.ErrorIs(t, err, sam.ErrNoSession)

	err = m.DigestInit(calypso.DigestParams{Level: calypso.LevelLoad, Serial: serial, OpenResponse: []byte{1, 2, 3, 4}})
	assert.ErrorIs(t, err, sam.ErrNoKey)

	err = m.DigestInit(calypso.DigestParams{Level: calypso.LevelDebit, Serial: serial, OpenResponse: []byte{1}})
	assert.Error(t, err)

	_, err = m.SignSv(serial, calypso.LevelLoad, []byte{0x00, 0xB8})
	assert.ErrorIs(t, err, sam.ErrNoKey)
}

func TestDiversifyKeyDependsOnSerial(t *testing.T) {
	a := sam.DiversifyKey([]byte("master"), []byte{1})
	b := sam.DiversifyKey([]byte("master"), []byte{2})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, sam.DiversifyKey([]byte("master"), []byte{1}))
}

func TestTranscriptIsLengthPrefixed(t *testing.T) {
	a := sam.NewTranscript([]byte{1})
	a.Add([]byte{2, 3}, []byte{4})
	b := sam.NewTranscript([]byte{1})
	b.Add([]byte{2}, []byte{3, 4})
	assert.NotEqual(t, a.Sum(), b.Sum())
}

func newCardModule(t *testing.T) (*sam.CardModule, *stubcard.SAM) {
	t.Helper()
	slot := stubcard.NewSAM(sam.NewSoftware("inner", testKeys, sam.WithRandom(stubcard.NewSequence(0x10))))
	m := sam.NewCardModule("slot-0", slot)
	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	return m, slot
}

func TestCardModuleMatchesSoftware(t *testing.T) {
	m, _ := newCardModule(t)
	assert.Equal(t, "slot-0", m.Name())

	ch, err := m.GetChallenge()
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), ch[0])

	openResp := []byte{0xC0, 0xDE, 0x00, 0x07, 0x01, 0x02}
	require.NoError(t, m.DigestInit(calypso.DigestParams{
		Level:        calypso.LevelLoad,
		KeyIndex:     calypso.LevelLoad.KeyIndex(),
		Serial:       serial,
		SamChallenge: ch,
		OpenResponse: openResp,
	}))
	cmd := []byte{0x00, 0xDC, 0x01, 0x3C, 0x02, 0xCA, 0xFE}
	resp := []byte{0x90, 0x00}
	require.NoError(t, m.DigestUpdate(cmd, resp))

	mac, err := m.DigestClose()
	require.NoError(t, err)
	wantTerminal, wantCard := cardSide(calypso.LevelLoad, ch, openResp, cmd, resp)
	assert.Equal(t, wantTerminal, mac)

	valid, err := m.DigestAuthenticate(wantCard)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestCardModuleAuthenticateMismatch(t *testing.T) {
	m, _ := newCardModule(t)
	ch, err := m.GetChallenge()
	require.NoError(t, err)
	require.NoError(t, m.DigestInit(calypso.DigestParams{Level: calypso.LevelDebit, KeyIndex: 3, Serial: serial, SamChallenge: ch, OpenResponse: []byte{1, 2, 3, 4, 1, 3}}))
	_, err = m.DigestClose()
	require.NoError(t, err)

	valid, err := m.DigestAuthenticate(make([]byte, sam.MACSize))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestCardModuleSignSv(t *testing.T) {
	m, _ := newCardModule(t)
	cmd := []byte{0x00, 0xBA, 0x00, 0x00, 0x02, 0x00, 0x64}
	sig, err := m.SignSv(serial, calypso.LevelDebit, cmd)
	require.NoError(t, err)
	assert.Equal(t, sam.SvSignature(sam.DiversifyKey(testKeys[calypso.LevelDebit], serial), cmd), sig)
}

func TestCardModuleStatusFailure(t *testing.T) {
	m, slot := newCardModule(t)
	slot.FailNext(sam.InsGetChallenge, calypso.SWConditionsNotMet)
	_, err := m.GetChallenge()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "6985")

	slot.Remove()
	_, err = m.GetChallenge()
	assert.ErrorIs(t, err, stubcard.ErrCardRemoved)
}

func TestPoolAcquireRelease(t *testing.T) {
	p := sam.NewPool()
	a := sam.NewSoftware("a", testKeys)
	b := sam.NewSoftware("b", testKeys)
	p.Add("transit", a, b)
	assert.Equal(t, 2, p.Available("transit"))

	ctx := context.Background()
	m1, err := p.Acquire(ctx, "transit", time.Second)
	require.NoError(t, err)
	m2, err := p.Acquire(ctx, "transit", time.Second)
	require.NoError(t, err)
	assert.NotSame(t, m1, m2)
	assert.Equal(t, 0, p.Available("transit"))

	_, err = p.Acquire(ctx, "transit", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, calypso.IsResourceUnavailable(err))
	assert.ErrorIs(t, err, sam.ErrAcquireTimeout)

	p.Release(m1)
	m3, err := p.Acquire(ctx, "transit", time.Second)
	require.NoError(t, err)
	assert.Same(t, m1, m3)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, sam.ProfileStats{Profile: "transit", Size: 2, Available: 0}, stats[0])
}

func TestPoolUnknownProfileAndContext(t *testing.T) {
	p := sam.NewPool()
	_, err := p.Acquire(context.Background(), "nope", time.Second)
	assert.True(t, calypso.IsResourceUnavailable(err))
	assert.ErrorIs(t, err, sam.ErrUnknownProfile)

	p.Add("one", sam.NewSoftware("a", testKeys))
	_, err = p.Acquire(context.Background(), "one", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, "one", 0)
	assert.True(t, calypso.IsResourceUnavailable(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolAddBeyondCapacityIsIgnored(t *testing.T) {
	p := sam.NewPool()
	p.Add("one", sam.NewSoftware("a", testKeys))
	p.Add("one", sam.NewSoftware("b", testKeys))
	assert.Equal(t, 1, p.Available("one"))
}

// failingModule fails every call.
type failingModule struct{ calls int }

var errModule = errors.New("module unplugged")

func (f *failingModule) GetChallenge() ([]byte, error) { f.calls++; return nil, errModule }
func (f *failingModule) DigestInit(calypso.DigestParams) error {
	f.calls++
	return errModule
}
func (f *failingModule) DigestUpdate(cmd, resp []byte) error { f.calls++; return errModule }
func (f *failingModule) DigestClose() ([]byte, error)        { f.calls++; return nil, errModule }
func (f *failingModule) DigestAuthenticate([]byte) (bool, error) {
	f.calls++
	return false, errModule
}

func TestGuardTripsToModuleUnreachable(t *testing.T) {
	inner := &failingModule{}
	cfg := sam.DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	g := sam.NewGuard("flaky", inner, cfg)

	for i := 0; i < 2; i++ {
		_, err := g.GetChallenge()
		assert.ErrorIs(t, err, errModule)
	}
	assert.Equal(t, "open", g.State())

	_, err := g.GetChallenge()
	require.Error(t, err)
	assert.True(t, calypso.IsSecurity(err))
	var se *calypso.SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, calypso.ReasonModuleUnreachable, se.Reason)
	assert.Equal(t, 2, inner.calls)
}

func TestGuardPassesThrough(t *testing.T) {
	g := sam.NewGuard("soft", sam.NewSoftware("soft", testKeys, sam.WithRandom(stubcard.NewSequence(0))), sam.DefaultBreakerConfig())
	ch, err := g.GetChallenge()
	require.NoError(t, err)
	assert.Len(t, ch, sam.ChallengeSize)

	sig, err := g.SignSv(serial, calypso.LevelLoad, []byte{0x00, 0xB8})
	require.NoError(t, err)
	assert.Len(t, sig, sam.MACSize)
	assert.Equal(t, "closed", g.State())
}

func TestGuardWithoutSigner(t *testing.T) {
	g := sam.NewGuard("plain", &failingModule{}, sam.DefaultBreakerConfig())
	_, err := g.SignSv(serial, calypso.LevelDebit, nil)
	var se *calypso.SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, calypso.ReasonSvSignatureUnavailable, se.Reason)
	assert.False(t, g.CanSignSv())
	assert.True(t, sam.NewGuard("signing", sam.NewSoftware("sw", nil), sam.DefaultBreakerConfig()).CanSignSv())
}
