package modbus

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	mbclient "github.com/goburrow/modbus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startServer(t *testing.T, store *Store, unitID uint8) string {
	t.Helper()

	log, _ := test.NewNullLogger()
	srv := NewServer(store, unitID, DefaultIdentity, log)
	addr := freeAddr(t)
	require.NoError(t, srv.Listen(addr))
	t.Cleanup(srv.Close)
	return addr
}

func dial(t *testing.T, addr string, unitID byte) mbclient.Client {
	t.Helper()

	handler := mbclient.NewTCPClientHandler(addr)
	handler.SlaveId = unitID
	handler.Timeout = 2 * time.Second
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { handler.Close() })
	return mbclient.NewClient(handler)
}

func exceptionCode(t *testing.T, err error) byte {
	t.Helper()

	var mbErr *mbclient.ModbusError
	require.True(t, errors.As(err, &mbErr), "want modbus exception, got %v", err)
	return mbErr.ExceptionCode
}

func TestServer_ReadHoldingRegistersReflectsStore(t *testing.T) {
	require := require.New(t)
	store := NewStore(Sizes{HoldingRegisters: 16, InputRegisters: 4, Coils: 8, DiscreteInputs: 8})
	addr := startServer(t, store, 1)
	client := dial(t, addr, 1)

	require.NoError(store.Write(1, 42))
	require.NoError(store.Write(2, 7))

	resp, err := client.ReadHoldingRegisters(1, 2)
	require.NoError(err)
	require.Equal([]byte{0x00, 0x2A, 0x00, 0x07}, resp)

	// No caching between store and listener.
	require.NoError(store.Write(2, 9))
	resp, err = client.ReadHoldingRegisters(1, 2)
	require.NoError(err)
	require.Equal([]byte{0x00, 0x2A, 0x00, 0x09}, resp)
}

func TestServer_ReadInputRegisters(t *testing.T) {
	require := require.New(t)
	store := NewStore(Sizes{HoldingRegisters: 4, InputRegisters: 4})
	addr := startServer(t, store, 1)
	client := dial(t, addr, 1)

	require.NoError(store.SetInputRange(0, []uint16{3, 2, 1}))

	resp, err := client.ReadInputRegisters(0, 3)
	require.NoError(err)
	require.Equal([]byte{0, 3, 0, 2, 0, 1}, resp)
}

func TestServer_MasterWritesAreVisibleInStore(t *testing.T) {
	require := require.New(t)
	store := NewStore(Sizes{HoldingRegisters: 16, Coils: 16})
	addr := startServer(t, store, 3)
	client := dial(t, addr, 3)

	_, err := client.WriteSingleRegister(4, 0x1234)
	require.NoError(err)

	_, err = client.WriteMultipleRegisters(8, 2, []byte{0x00, 0x01, 0xFF, 0xFF})
	require.NoError(err)

	values, err := store.ReadRange(4, 6)
	require.NoError(err)
	require.Equal([]uint16{0x1234, 0, 0, 0, 1, 0xFFFF}, values)

	_, err = client.WriteSingleCoil(2, 0xFF00)
	require.NoError(err)
	_, err = client.WriteMultipleCoils(8, 3, []byte{0x05})
	require.NoError(err)

	coils, err := store.ReadCoils(0, 11)
	require.NoError(err)
	require.Equal([]bool{false, false, true, false, false, false, false, false, true, false, true}, coils)

	resp, err := client.ReadCoils(0, 11)
	require.NoError(err)
	require.Equal([]byte{0x04, 0x05}, resp)
}

func TestServer_OutOfRangeIsIllegalDataAddress(t *testing.T) {
	require := require.New(t)
	store := NewStore(Sizes{HoldingRegisters: 10})
	addr := startServer(t, store, 1)
	client := dial(t, addr, 1)

	_, err := client.ReadHoldingRegisters(8, 5)
	require.Equal(byte(mbclient.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	_, err = client.WriteSingleRegister(10, 1)
	require.Equal(byte(mbclient.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	values, err := store.ReadRange(0, 10)
	require.NoError(err)
	require.Equal(make([]uint16, 10), values)
}

func TestServer_WrongUnitIsRejected(t *testing.T) {
	require := require.New(t)
	store := NewStore(Sizes{HoldingRegisters: 10})
	require.NoError(store.Write(1, 42))
	addr := startServer(t, store, 1)

	other := dial(t, addr, 2)
	_, err := other.ReadHoldingRegisters(1, 1)
	require.Equal(byte(11), exceptionCode(t, err))

	_, err = other.WriteSingleRegister(1, 5)
	require.Equal(byte(11), exceptionCode(t, err))

	v, err := store.ReadRange(1, 1)
	require.NoError(err)
	require.Equal([]uint16{42}, v)
}

func TestServer_CloseDropsConnectedMasters(t *testing.T) {
	require := require.New(t)
	store := NewStore(Sizes{HoldingRegisters: 10})
	require.NoError(store.Write(1, 42))

	log, _ := test.NewNullLogger()
	srv := NewServer(store, 1, DefaultIdentity, log)
	addr := freeAddr(t)
	require.NoError(srv.Listen(addr))
	client := dial(t, addr, 1)

	resp, err := client.ReadHoldingRegisters(1, 1)
	require.NoError(err)
	require.Equal([]byte{0x00, 0x2A}, resp)

	srv.Close()

	_, err = client.ReadHoldingRegisters(1, 1)
	require.Error(err)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	require.Error(err)

	require.ErrorIs(srv.Listen(addr), ErrServerClosed)
	srv.Close()
}

func TestServer_RequestAfterCloseIsPathUnavailable(t *testing.T) {
	log, _ := test.NewNullLogger()
	srv := NewServer(NewStore(Sizes{HoldingRegisters: 10}), 1, DefaultIdentity, log)
	srv.Close()

	req := &mbserver.TCPFrame{
		TransactionIdentifier: 7,
		Device:                1,
		Function:              fcReadHoldingRegisters,
		Data:                  []byte{0x00, 0x01, 0x00, 0x01},
	}
	resp := srv.handle(req).(*mbserver.TCPFrame)
	require.Equal(t, uint8(fcReadHoldingRegisters|0x80), resp.Function)
	require.Equal(t, []byte{byte(errPathUnavailable)}, resp.Data)
	require.Equal(t, uint16(7), resp.TransactionIdentifier)
}

func TestReadADU(t *testing.T) {
	t.Run("reads one frame", func(t *testing.T) {
		raw := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x01, 0x00, 0x02}
		trailing := append(append([]byte{}, raw...), 0xFF)
		packet, err := readADU(bytes.NewReader(trailing))
		require.NoError(t, err)
		require.Equal(t, raw, packet)
	})

	t.Run("rejects bad length", func(t *testing.T) {
		_, err := readADU(bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}))
		require.Error(t, err)
	})

	t.Run("short body", func(t *testing.T) {
		_, err := readADU(bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03}))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func deviceIDFrame(unit byte, code, object byte) *mbserver.TCPFrame {
	return &mbserver.TCPFrame{
		Device:   unit,
		Function: fcEncapsulatedInterface,
		Data:     []byte{meiReadDeviceID, code, object},
	}
}

func TestServer_ReadDeviceIdentification(t *testing.T) {
	log, _ := test.NewNullLogger()
	srv := NewServer(NewStore(DefaultSizes), 1, DefaultIdentity, log)

	t.Run("basic stream", func(t *testing.T) {
		resp, ex := srv.readDeviceIdentification(deviceIDFrame(1, 1, 0))
		require.Equal(t, mbserver.Success, *ex)

		want := []byte{meiReadDeviceID, 1, 0x82, 0x00, 0x00, 3}
		want = append(want, objVendorName, 14)
		want = append(want, "Camilo Vanegas"...)
		want = append(want, objProductCode, 4)
		want = append(want, "9210"...)
		want = append(want, objRevision, 3)
		want = append(want, "1.0"...)
		require.Equal(t, want, resp)
	})

	t.Run("regular stream includes product name", func(t *testing.T) {
		resp, ex := srv.readDeviceIdentification(deviceIDFrame(1, 2, 0))
		require.Equal(t, mbserver.Success, *ex)
		require.Equal(t, byte(4), resp[5])
		require.Contains(t, string(resp), "Modbus Slave")
	})

	t.Run("individual object", func(t *testing.T) {
		resp, ex := srv.readDeviceIdentification(deviceIDFrame(1, 4, objProductCode))
		require.Equal(t, mbserver.Success, *ex)
		require.Equal(t, []byte{meiReadDeviceID, 4, 0x82, 0x00, 0x00, 1, objProductCode, 4, '9', '2', '1', '0'}, resp)
	})

	t.Run("unknown individual object", func(t *testing.T) {
		_, ex := srv.readDeviceIdentification(deviceIDFrame(1, 4, 0x03))
		require.Equal(t, mbserver.IllegalDataAddress, *ex)
	})

	t.Run("wrong unit", func(t *testing.T) {
		_, ex := srv.readDeviceIdentification(deviceIDFrame(9, 1, 0))
		require.Equal(t, errUnknownUnit, *ex)
	})

	t.Run("other mei type", func(t *testing.T) {
		frame := deviceIDFrame(1, 1, 0)
		frame.Data[0] = 0x0D
		_, ex := srv.readDeviceIdentification(frame)
		require.Equal(t, mbserver.IllegalFunction, *ex)
	})
}

func TestPackBits(t *testing.T) {
	bits := []bool{true, false, true, false, false, false, false, false, true}
	packed := packBits(bits)
	require.Equal(t, []byte{0x05, 0x01}, packed)
	require.Equal(t, bits, unpackBits(packed, len(bits)))
}
