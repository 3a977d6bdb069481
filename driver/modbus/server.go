package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tbrandon/mbserver"
)

// Function codes answered by the server.
const (
	fcReadCoils              = 1
	fcReadDiscreteInputs     = 2
	fcReadHoldingRegisters   = 3
	fcReadInputRegisters     = 4
	fcWriteSingleCoil        = 5
	fcWriteSingleRegister    = 6
	fcWriteMultipleCoils     = 15
	fcWriteMultipleRegisters = 16
	fcEncapsulatedInterface  = 43

	meiReadDeviceID = 0x0E
)

// Per-request quantity limits of the Modbus application protocol.
const (
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteBits      = 1968
	maxWriteRegisters = 123
)

// errUnknownUnit is answered to requests addressed to another unit identifier
// (gateway target device failed to respond).
var errUnknownUnit = mbserver.Exception(0x0B)

// errPathUnavailable is answered to requests that arrive after Close.
var errPathUnavailable = mbserver.Exception(0x0A)

// ErrServerClosed is returned by Listen after Close.
var ErrServerClosed = errors.New("modbus server closed")

// MBAP header: transaction id, protocol id, length, unit id.
const (
	mbapHeaderLen = 7
	maxPDULen     = 253
)

// Device identification object ids.
const (
	objVendorName  = 0x00
	objProductCode = 0x01
	objRevision    = 0x02
	objProductName = 0x04
)

// Identity is reported through Read Device Identification (43/14).
type Identity struct {
	VendorName  string
	ProductCode string
	Revision    string
	ProductName string
}

// DefaultIdentity is the identification the bridge has always reported.
var DefaultIdentity = Identity{
	VendorName:  "Camilo Vanegas",
	ProductCode: "9210",
	Revision:    "1.0",
	ProductName: "Modbus Slave",
}

func (id Identity) objects() map[byte]string {
	objects := map[byte]string{
		objVendorName:  id.VendorName,
		objProductCode: id.ProductCode,
		objRevision:    id.Revision,
	}
	if id.ProductName != "" {
		objects[objProductName] = id.ProductName
	}
	return objects
}

type handlerFunc func(frame mbserver.Framer) ([]byte, *mbserver.Exception)

// Server answers Modbus TCP requests for one unit identifier directly from
// a Store. There is no cache between the two: every request reads the
// store at the moment it is handled.
type Server struct {
	store    *Store
	unitID   uint8
	identity Identity
	log      logrus.FieldLogger
	handlers map[uint8]handlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server for store answering as unitID.
func NewServer(store *Store, unitID uint8, identity Identity, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		store:    store,
		unitID:   unitID,
		identity: identity,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}
	s.handlers = map[uint8]handlerFunc{
		fcReadCoils:              s.readCoils,
		fcReadDiscreteInputs:     s.readDiscreteInputs,
		fcReadHoldingRegisters:   s.readHoldingRegisters,
		fcReadInputRegisters:     s.readInputRegisters,
		fcWriteSingleCoil:        s.writeSingleCoil,
		fcWriteSingleRegister:    s.writeSingleRegister,
		fcWriteMultipleCoils:     s.writeMultipleCoils,
		fcWriteMultipleRegisters: s.writeMultipleRegisters,
		fcEncapsulatedInterface:  s.readDeviceIdentification,
	}
	return s
}

// Listen binds address ("host:port") and starts accepting connections in
// the background. A bind failure is returned to the caller.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.wg.Add(1)
	s.mu.Unlock()

	go s.accept(l)
	s.log.Infof("MODBUS: Listening on %s as unit %d", address, s.unitID)
	return nil
}

// Close stops the listener, drops every connected master and waits for
// their handlers to return. Requests still in flight are answered with
// exception 0x0A.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("MODBUS: Listener closed.")
}

// UnitID returns the unit identifier the server answers to.
func (s *Server) UnitID() uint8 { return s.unitID }

func (s *Server) accept(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Errorf("MODBUS: Unable to accept connections: %v", err)
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.serve(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	s.log.Debugf("MODBUS: Master connected from %s", conn.RemoteAddr())
	for {
		packet, err := readADU(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debugf("MODBUS: Read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		frame, err := mbserver.NewTCPFrame(packet)
		if err != nil {
			s.log.Debugf("MODBUS: Bad frame from %s: %v", conn.RemoteAddr(), err)
			return
		}
		if _, err := conn.Write(s.handle(frame).Bytes()); err != nil {
			s.log.Debugf("MODBUS: Write to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// readADU reads one MBAP header and the PDU it announces.
func readADU(r io.Reader) ([]byte, error) {
	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > maxPDULen+1 {
		return nil, fmt.Errorf("invalid MBAP length %d", length)
	}
	packet := make([]byte, mbapHeaderLen+length-1)
	copy(packet, header)
	if _, err := io.ReadFull(r, packet[mbapHeaderLen:]); err != nil {
		return nil, err
	}
	return packet, nil
}

func (s *Server) handle(request mbserver.Framer) mbserver.Framer {
	response := request.Copy()

	ex := &mbserver.IllegalFunction
	if s.isClosed() {
		ex = &errPathUnavailable
	} else if h, ok := s.handlers[request.GetFunction()]; ok {
		var data []byte
		data, ex = h(request)
		response.SetData(data)
	}
	if *ex != mbserver.Success {
		response.SetException(ex)
	}
	return response
}

func (s *Server) checkUnit(frame mbserver.Framer) *mbserver.Exception {
	tcp, ok := frame.(*mbserver.TCPFrame)
	if !ok || tcp.Device == s.unitID {
		return nil
	}
	s.log.Debugf("MODBUS: Request for unit %d ignored, serving unit %d", tcp.Device, s.unitID)
	return &errUnknownUnit
}

// addressAndCount decodes the common "start, quantity" request header and
// validates the quantity against limit.
func addressAndCount(data []byte, limit int) (int, int, *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	count := int(binary.BigEndian.Uint16(data[2:4]))
	if count < 1 || count > limit {
		return 0, 0, &mbserver.IllegalDataValue
	}
	return start, count, nil
}

func wordsToBytes(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func bytesToWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}

// packBits packs bools LSB first, as used by function codes 1, 2 and 15.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

func (s *Server) readWords(frame mbserver.Framer, read func(int, int) ([]uint16, error)) ([]byte, *mbserver.Exception) {
	if ex := s.checkUnit(frame); ex != nil {
		return []byte{}, ex
	}
	start, count, ex := addressAndCount(frame.GetData(), maxReadRegisters)
	if ex != nil {
		return []byte{}, ex
	}
	values, err := read(start, count)
	if err != nil {
		s.log.Debugf("MODBUS: %v", err)
		return []byte{}, &mbserver.IllegalDataAddress
	}
	return append([]byte{byte(2 * count)}, wordsToBytes(values)...), &mbserver.Success
}

func (s *Server) readBits(frame mbserver.Framer, read func(int, int) ([]bool, error)) ([]byte, *mbserver.Exception) {
	if ex := s.checkUnit(frame); ex != nil {
		return []byte{}, ex
	}
	start, count, ex := addressAndCount(frame.GetData(), maxReadBits)
	if ex != nil {
		return []byte{}, ex
	}
	values, err := read(start, count)
	if err != nil {
		s.log.Debugf("MODBUS: %v", err)
		return []byte{}, &mbserver.IllegalDataAddress
	}
	packed := packBits(values)
	return append([]byte{byte(len(packed))}, packed...), &mbserver.Success
}

func (s *Server) readHoldingRegisters(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return s.readWords(frame, s.store.ReadRange)
}

func (s *Server) readInputRegisters(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return s.readWords(frame, s.store.ReadInputRange)
}

func (s *Server) readCoils(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return s.readBits(frame, s.store.ReadCoils)
}

func (s *Server) readDiscreteInputs(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return s.readBits(frame, s.store.ReadDiscreteInputs)
}

func (s *Server) writeSingleRegister(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if ex := s.checkUnit(frame); ex != nil {
		return []byte{}, ex
	}
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	address := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])
	if err := s.store.Write(address, value); err != nil {
		s.log.Debugf("MODBUS: %v", err)
		return []byte{}, &mbserver.IllegalDataAddress
	}
	s.log.Debugf("MODBUS: Master wrote holding register %d = %d", address, value)
	return data[0:4], &mbserver.Success
}

func (s *Server) writeMultipleRegisters(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if ex := s.checkUnit(frame); ex != nil {
		return []byte{}, ex
	}
	data := frame.GetData()
	start, count, ex := addressAndCount(data, maxWriteRegisters)
	if ex != nil {
		return []byte{}, ex
	}
	if len(data) < 5 || int(data[4]) != 2*count || len(data) < 5+2*count {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if err := s.store.WriteRange(start, bytesToWords(data[5:5+2*count])); err != nil {
		s.log.Debugf("MODBUS: %v", err)
		return []byte{}, &mbserver.IllegalDataAddress
	}
	s.log.Debugf("MODBUS: Master wrote %d holding registers from %d", count, start)
	return data[0:4], &mbserver.Success
}

func (s *Server) writeSingleCoil(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if ex := s.checkUnit(frame); ex != nil {
		return []byte{}, ex
	}
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	address := int(binary.BigEndian.Uint16(data[0:2]))
	var on bool
	switch binary.BigEndian.Uint16(data[2:4]) {
	case 0xFF00:
		on = true
	case 0x0000:
		on = false
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}
	if err := s.store.WriteCoils(address, []bool{on}); err != nil {
		s.log.Debugf("MODBUS: %v", err)
		return []byte{}, &mbserver.IllegalDataAddress
	}
	return data[0:4], &mbserver.Success
}

func (s *Server) writeMultipleCoils(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if ex := s.checkUnit(frame); ex != nil {
		return []byte{}, ex
	}
	data := frame.GetData()
	start, count, ex := addressAndCount(data, maxWriteBits)
	if ex != nil {
		return []byte{}, ex
	}
	byteCount := (count + 7) / 8
	if len(data) < 5 || int(data[4]) != byteCount || len(data) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if err := s.store.WriteCoils(start, unpackBits(data[5:5+byteCount], count)); err != nil {
		s.log.Debugf("MODBUS: %v", err)
		return []byte{}, &mbserver.IllegalDataAddress
	}
	return data[0:4], &mbserver.Success
}

// readDeviceIdentification answers MEI type 0x0E (Read Device
// Identification) with stream access for the basic and regular categories
// and individual access to any object the identity carries.
func (s *Server) readDeviceIdentification(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if ex := s.checkUnit(frame); ex != nil {
		return []byte{}, ex
	}
	data := frame.GetData()
	if len(data) < 3 || data[0] != meiReadDeviceID {
		return []byte{}, &mbserver.IllegalFunction
	}
	code, objectID := data[1], data[2]
	objects := s.identity.objects()

	var ids []byte
	switch code {
	case 1, 2, 3:
		last := byte(objRevision)
		if code > 1 {
			last = objProductName
		}
		for id := byte(0); id <= last; id++ {
			if _, ok := objects[id]; ok && id >= objectID {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			// Restart the stream when the requested object is unknown.
			for id := byte(0); id <= last; id++ {
				if _, ok := objects[id]; ok {
					ids = append(ids, id)
				}
			}
		}
	case 4:
		if _, ok := objects[objectID]; !ok {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		ids = []byte{objectID}
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	// MEI type, code, conformity (regular, stream and individual), more follows, next object, count.
	resp := []byte{meiReadDeviceID, code, 0x82, 0x00, 0x00, byte(len(ids))}
	for _, id := range ids {
		value := objects[id]
		resp = append(resp, id, byte(len(value)))
		resp = append(resp, value...)
	}
	return resp, &mbserver.Success
}
