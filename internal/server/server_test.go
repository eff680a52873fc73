// nolint:all // test package
package server

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artivisi/termkeys/internal/auth"
	"github.com/artivisi/termkeys/internal/hsmclient"
	"github.com/artivisi/termkeys/internal/keystore"
	"github.com/artivisi/termkeys/internal/rotation"
	"github.com/artivisi/termkeys/pkg/keyderive"
	"github.com/artivisi/termkeys/pkg/macengine"
	"github.com/artivisi/termkeys/pkg/pinblock"
)

const testBank = "bank-001"

// stubHSM issues deliveries encrypted per the delivery contract so the
// coordinator can open them.
type stubHSM struct {
	newKey []byte
	store  *keystore.Store
}

func (f *stubHSM) RequestRotation(ctx context.Context, req hsmclient.RotationRequest) (*hsmclient.RotationResponse, error) {
	kt, err := keystore.ParseKeyType(req.KeyType)
	if err != nil {
		return nil, err
	}
	active, err := f.store.GetActive(ctx, req.TerminalID, kt)
	if err != nil {
		return nil, err
	}

	deliveryKey, err := keyderive.Derive(active.Value, keyderive.DeliveryContext, keyderive.OperationalKeyBits)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(deliveryKey)
	if err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(f.newKey)%aes.BlockSize
	padded := append(append([]byte{}, f.newKey...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	sum := sha256.Sum256(f.newKey)

	return &hsmclient.RotationResponse{
		RotationID:        uuid.New().String(),
		KeyType:           req.KeyType,
		EncryptedNewKey:   hex.EncodeToString(append(iv, ct...)),
		NewKeyChecksum:    strings.ToUpper(hex.EncodeToString(sum[:]))[:16],
		GracePeriodEndsAt: time.Now().UTC().Add(24 * time.Hour),
		RotationStatus:    "PENDING",
	}, nil
}

func (f *stubHSM) ConfirmRotation(context.Context, string, string) error {
	return nil
}

func newTestServer(t *testing.T, hsm rotation.HSM, store *keystore.Store) *Server {
	t.Helper()

	engine := macengine.New(macengine.AlgorithmCMAC)
	coordinator := rotation.New(rotation.Config{
		Store:            store,
		HSM:              hsm,
		Engine:           engine,
		PinMode:          pinblock.ModeCBC,
		GracePeriodHours: 24,
		ConfirmedBy:      "test",
		Logger:           zerolog.Nop(),
	})
	orch := auth.New(store, engine, zerolog.Nop()).WithCommitter(coordinator)

	return &Server{
		address:     "127.0.0.1:0",
		coordinator: coordinator,
		orch:        orch,
		bankContext: testBank,
		registry:    NewRegistry(),
	}
}

func newTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	store, err := keystore.Open("file:srv" + t.Name() + "?mode=memory&cache=shared&_busy_timeout=5000")
	require.NoError(t, err)

	return store
}

func testConn(t *testing.T) (*anetserver.ServerConn, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	return &anetserver.ServerConn{Conn: serverSide}, clientSide
}

func macFor(t *testing.T, engine *macengine.Engine, sessionKey, message []byte) string {
	t.Helper()
	opKey, err := keyderive.Derive(sessionKey, keyderive.MacContext(testBank), keyderive.OperationalKeyBits)
	require.NoError(t, err)
	mac, err := engine.Generate(message, opKey)
	require.NoError(t, err)

	return strings.ToUpper(hex.EncodeToString(mac))
}

func TestKeyRequestAndConfirm(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	oldKey := bytes.Repeat([]byte{0x11}, 32)
	newKey := bytes.Repeat([]byte{0x22}, 32)
	_, err := store.Provision(ctx, "TRM30001", testBank, keystore.KeyTypeTSK, oldKey)
	require.NoError(t, err)

	srv := newTestServer(t, &stubHSM{newKey: newKey, store: store}, store)
	conn, _ := testConn(t)

	resp, err := srv.handle(conn, []byte(OpKeyRequestTSK+"TRM30001"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(resp), 2+16)
	assert.Equal(t, "00", string(resp[:2]))
	assert.Equal(t, keystore.CheckValue(newKey), string(resp[2:18]))

	// The delivered ciphertext is valid hex.
	_, err = hex.DecodeString(string(resp[18:]))
	require.NoError(t, err)

	// Delivery stored as PENDING; old key still signs traffic.
	active, err := store.GetActive(ctx, "TRM30001", keystore.KeyTypeTSK)
	require.NoError(t, err)
	assert.Equal(t, oldKey, active.Value)

	// Terminal confirms installation: new key becomes active.
	resp, err = srv.handle(conn, []byte(OpInstallOKTSK+"TRM30001"))
	require.NoError(t, err)
	assert.Equal(t, "00", string(resp))

	active, err = store.GetActive(ctx, "TRM30001", keystore.KeyTypeTSK)
	require.NoError(t, err)
	assert.Equal(t, newKey, active.Value)
}

func TestKeyRequestInstallFailureRollsBack(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	oldKey := bytes.Repeat([]byte{0x11}, 32)
	_, err := store.Provision(ctx, "TRM30002", testBank, keystore.KeyTypeTPK, oldKey)
	require.NoError(t, err)

	srv := newTestServer(t, &stubHSM{newKey: bytes.Repeat([]byte{0x22}, 32), store: store}, store)
	conn, _ := testConn(t)

	resp, err := srv.handle(conn, []byte(OpKeyRequestTPK+"TRM30002"))
	require.NoError(t, err)
	require.Equal(t, "00", string(resp[:2]))

	resp, err = srv.handle(conn, []byte(OpInstallFailedTPK+"TRM30002"))
	require.NoError(t, err)
	assert.Equal(t, "00", string(resp))

	valid, err := store.GetValidKeys(ctx, "TRM30002", keystore.KeyTypeTPK)
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, oldKey, valid[0].Value)
}

func TestKeyRequestUnknownTerminal(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srv := newTestServer(t, &stubHSM{store: store}, store)
	conn, _ := testConn(t)

	resp, err := srv.handle(conn, []byte(OpKeyRequestTSK+"TRM39999"))
	require.NoError(t, err)
	assert.Equal(t, "89", string(resp))
}

func TestKeyRequestConflict(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Provision(ctx, "TRM30003", testBank, keystore.KeyTypeTSK, bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	srv := newTestServer(t, &stubHSM{newKey: bytes.Repeat([]byte{0x22}, 32), store: store}, store)
	conn, _ := testConn(t)

	resp, err := srv.handle(conn, []byte(OpKeyRequestTSK+"TRM30003"))
	require.NoError(t, err)
	require.Equal(t, "00", string(resp[:2]))

	// Second request while the first delivery is still pending.
	resp, err = srv.handle(conn, []byte(OpKeyRequestTSK+"TRM30003"))
	require.NoError(t, err)
	assert.Equal(t, "92", string(resp))
}

func TestAuthEcho(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	engine := macengine.New(macengine.AlgorithmCMAC)
	sessionKey := bytes.Repeat([]byte{0x11}, 32)
	_, err := store.Provision(ctx, "TRM30004", testBank, keystore.KeyTypeTSK, sessionKey)
	require.NoError(t, err)

	srv := newTestServer(t, &stubHSM{store: store}, store)
	conn, _ := testConn(t)

	payload := []byte("PING0001")
	canonical := []byte(OpAuthEcho + "TRM30004" + string(payload))
	mac := macFor(t, engine, sessionKey, canonical)

	resp, err := srv.handle(conn, []byte(OpAuthEcho+"TRM30004"+mac+string(payload)))
	require.NoError(t, err)
	require.Equal(t, "00", string(resp[:2]))
	assert.Equal(t, payload, resp[2:2+len(payload)])

	// Reply MAC verifies under the same session key.
	replyMAC := macFor(t, engine, sessionKey, resp[:2+len(payload)])
	assert.Equal(t, replyMAC, string(resp[2+len(payload):]))
}

func TestAuthEchoRejectsBadMAC(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Provision(ctx, "TRM30005", testBank, keystore.KeyTypeTSK, bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	srv := newTestServer(t, &stubHSM{store: store}, store)
	conn, _ := testConn(t)

	badMAC := strings.Repeat("00", 16)
	resp, err := srv.handle(conn, []byte(OpAuthEcho+"TRM30005"+badMAC+"PING0001"))
	require.NoError(t, err)
	assert.Equal(t, "63", string(resp))
}

func TestAuthEchoAdoptsPendingKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	engine := macengine.New(macengine.AlgorithmCMAC)
	oldKey := bytes.Repeat([]byte{0x11}, 32)
	newKey := bytes.Repeat([]byte{0x22}, 32)
	_, err := store.Provision(ctx, "TRM30006", testBank, keystore.KeyTypeTSK, oldKey)
	require.NoError(t, err)

	srv := newTestServer(t, &stubHSM{newKey: newKey, store: store}, store)
	conn, _ := testConn(t)

	resp, err := srv.handle(conn, []byte(OpKeyRequestTSK+"TRM30006"))
	require.NoError(t, err)
	require.Equal(t, "00", string(resp[:2]))

	// The terminal starts using the delivered key without an explicit confirm;
	// a successful authenticated message commits it.
	payload := []byte("PING0002")
	canonical := []byte(OpAuthEcho + "TRM30006" + string(payload))
	mac := macFor(t, engine, newKey, canonical)

	resp, err = srv.handle(conn, []byte(OpAuthEcho+"TRM30006"+mac+string(payload)))
	require.NoError(t, err)
	require.Equal(t, "00", string(resp[:2]))

	active, err := store.GetActive(ctx, "TRM30006", keystore.KeyTypeTSK)
	require.NoError(t, err)
	assert.Equal(t, newKey, active.Value)
}

func TestUnknownOpCode(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srv := newTestServer(t, &stubHSM{store: store}, store)
	conn, _ := testConn(t)

	resp, err := srv.handle(conn, []byte("99TRM30007"))
	require.NoError(t, err)
	assert.Equal(t, "12", string(resp))
}

func TestMalformedMessage(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	srv := newTestServer(t, &stubHSM{store: store}, store)
	conn, _ := testConn(t)

	_, err := srv.handle(conn, []byte("01"))
	require.Error(t, err)
}

func TestRegistryPushNotice(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	conn, clientSide := testConn(t)
	registry.Register("TRM30008", conn)
	require.True(t, registry.Connected("TRM30008"))

	done := make(chan []byte, 1)
	go func() {
		header := make([]byte, 2)
		if _, err := io.ReadFull(clientSide, header); err != nil {
			done <- nil
			return
		}
		payload := make([]byte, binary.BigEndian.Uint16(header))
		if _, err := io.ReadFull(clientSide, payload); err != nil {
			done <- nil
			return
		}
		done <- payload
	}()

	require.NoError(t, registry.NotifyRotation(context.Background(), "TRM30008", keystore.KeyTypeTSK))

	select {
	case payload := <-done:
		require.NotNil(t, payload)
		assert.Equal(t, OpRotationNotice+"TRM30008"+"TSK", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed notice")
	}

	registry.Unregister("TRM30008")
	require.Error(t, registry.NotifyRotation(context.Background(), "TRM30008", keystore.KeyTypeTSK))
}
