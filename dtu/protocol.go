package dtu

import (
	"encoding/binary"

	"github.com/sarchlab/dtusim/sim"
)

// NocPacketType classifies inter-DTU packets.
type NocPacketType int

// The packet types.
const (
	NocMessage NocPacketType = iota
	NocPagefault
	NocReadReq
	NocWriteReq
	NocCacheMemReqFunc
	NocCacheMemReq
)

// A NocPacket is one packet on the NoC. It carries a packed NocAddr, the
// payload bytes for writes and messages, and a result code that the
// receiver sets before responding.
type NocPacket struct {
	sim.MsgMeta

	PacketType NocPacketType
	Result     Error

	Addr uint64
	Read bool
	Size uint64
	Data []byte

	IsRsp     bool
	RespondTo string
}

// Meta returns the meta data attached to the packet.
func (p *NocPacket) Meta() *sim.MsgMeta {
	return &p.MsgMeta
}

// GetRspTo returns the ID of the request this packet responds to.
func (p *NocPacket) GetRspTo() string {
	return p.RespondTo
}

// NocPacketBuilder can build NoC packets.
type NocPacketBuilder struct {
	sendTime   sim.VTimeInSec
	src, dst   sim.Port
	packetType NocPacketType
	result     Error
	addr       uint64
	read       bool
	size       uint64
	data       []byte
	rspTo      string
}

// WithSendTime sets the send time of the packet to build.
func (b NocPacketBuilder) WithSendTime(t sim.VTimeInSec) NocPacketBuilder {
	b.sendTime = t
	return b
}

// WithSrc sets the source of the packet to build.
func (b NocPacketBuilder) WithSrc(src sim.Port) NocPacketBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the packet to build.
func (b NocPacketBuilder) WithDst(dst sim.Port) NocPacketBuilder {
	b.dst = dst
	return b
}

// WithPacketType sets the type of the packet to build.
func (b NocPacketBuilder) WithPacketType(t NocPacketType) NocPacketBuilder {
	b.packetType = t
	return b
}

// WithResult sets the result code of the packet to build.
func (b NocPacketBuilder) WithResult(result Error) NocPacketBuilder {
	b.result = result
	return b
}

// WithAddr sets the packed NoC address of the packet to build.
func (b NocPacketBuilder) WithAddr(addr uint64) NocPacketBuilder {
	b.addr = addr
	return b
}

// AsRead marks the packet as a read of the given size.
func (b NocPacketBuilder) AsRead(size uint64) NocPacketBuilder {
	b.read = true
	b.size = size
	return b
}

// WithData sets the payload of the packet to build.
func (b NocPacketBuilder) WithData(data []byte) NocPacketBuilder {
	b.data = data
	b.size = uint64(len(data))
	return b
}

// AsRspTo makes the packet a response to the request with the given ID.
func (b NocPacketBuilder) AsRspTo(id string) NocPacketBuilder {
	b.rspTo = id
	return b
}

// Build creates a new NocPacket.
func (b NocPacketBuilder) Build() *NocPacket {
	p := &NocPacket{}
	p.ID = sim.GetIDGenerator().Generate()
	p.Src = b.src
	p.Dst = b.dst
	p.SendTime = b.sendTime
	p.TrafficBytes = len(b.data) + nocPacketOverhead
	p.PacketType = b.packetType
	p.Result = b.result
	p.Addr = b.addr
	p.Read = b.read
	p.Size = b.size
	p.Data = b.data
	if b.rspTo != "" {
		p.IsRsp = true
		p.RespondTo = b.rspTo
	}
	return p
}

const nocPacketOverhead = 8

// Message header flags.
const (
	FlagReply        = 1 << 0
	FlagGrantCredits = 1 << 1
	FlagReplyEnabled = 1 << 2
	FlagPagefault    = 1 << 3
	FlagReplyFailed  = 1 << 4
)

// HeaderSize is the packed size of a MessageHeader on the wire.
const HeaderSize = 25

// A MessageHeader precedes the payload of every message on the NoC and
// in receive rings.
type MessageHeader struct {
	Flags        uint8
	SenderCoreID uint16
	SenderEpID   uint8

	// For a message, ReplyEpID names the endpoint to reply to. For a
	// reply, it names the endpoint that receives the credits back.
	ReplyEpID uint8

	Length      uint16
	SenderVpeID uint16

	Label      uint64
	ReplyLabel uint64
}

// Pack encodes the header into its little-endian wire form.
func (h *MessageHeader) Pack() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Flags
	binary.LittleEndian.PutUint16(buf[1:], h.SenderCoreID)
	buf[3] = h.SenderEpID
	buf[4] = h.ReplyEpID
	binary.LittleEndian.PutUint16(buf[5:], h.Length)
	binary.LittleEndian.PutUint16(buf[7:], h.SenderVpeID)
	binary.LittleEndian.PutUint64(buf[9:], h.Label)
	binary.LittleEndian.PutUint64(buf[17:], h.ReplyLabel)
	return buf
}

// UnpackMessageHeader decodes a header from its wire form.
func UnpackMessageHeader(data []byte) MessageHeader {
	var h MessageHeader
	h.Flags = data[0]
	h.SenderCoreID = binary.LittleEndian.Uint16(data[1:])
	h.SenderEpID = data[3]
	h.ReplyEpID = data[4]
	h.Length = binary.LittleEndian.Uint16(data[5:])
	h.SenderVpeID = binary.LittleEndian.Uint16(data[7:])
	h.Label = binary.LittleEndian.Uint64(data[9:])
	h.ReplyLabel = binary.LittleEndian.Uint64(data[17:])
	return h
}

// OpcodePf is the opcode of a page-fault upcall message.
const OpcodePf = 0

// PagefaultMsgSize is the payload size of a page-fault upcall.
const PagefaultMsgSize = 24

// A PagefaultMessage is the payload of a page-fault upcall.
type PagefaultMessage struct {
	Opcode uint64
	Virt   uint64
	Access uint64
}

// Pack encodes the page-fault message into its wire form.
func (m *PagefaultMessage) Pack() []byte {
	buf := make([]byte, PagefaultMsgSize)
	binary.LittleEndian.PutUint64(buf[0:], m.Opcode)
	binary.LittleEndian.PutUint64(buf[8:], m.Virt)
	binary.LittleEndian.PutUint64(buf[16:], m.Access)
	return buf
}

// UnpackPagefaultMessage decodes a page-fault message.
func UnpackPagefaultMessage(data []byte) PagefaultMessage {
	return PagefaultMessage{
		Opcode: binary.LittleEndian.Uint64(data[0:]),
		Virt:   binary.LittleEndian.Uint64(data[8:]),
		Access: binary.LittleEndian.Uint64(data[16:]),
	}
}

// A Pte is one packed page table entry: the physical page number in the
// upper bits and the IXWR permission bits in the low four.
type Pte uint64

// MakePte builds a PTE from a physical base address and permission bits.
func MakePte(base uint64, ixwr uint) Pte {
	return Pte((base>>PageBits)<<PageBits | uint64(ixwr)&0xF)
}

// Base returns the physical base address the PTE points at.
func (p Pte) Base() uint64 {
	return (uint64(p) >> PageBits) << PageBits
}

// Ixwr returns the permission bits of the PTE.
func (p Pte) Ixwr() uint {
	return uint(p) & 0xF
}
