package mem

import (
	"github.com/sarchlab/dtusim/sim"
)

var accessReqByteOverhead = 12
var accessRspByteOverhead = 4

// A ReadReq is a request sent to a memory controller to fetch data.
type ReadReq struct {
	sim.MsgMeta

	Address        uint64
	AccessByteSize uint64
	Info           interface{}
}

// Meta returns the message meta.
func (r *ReadReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// ReadReqBuilder can build read requests.
type ReadReqBuilder struct {
	sendTime          sim.VTimeInSec
	src, dst          sim.Port
	address, byteSize uint64
	info              interface{}
}

// WithSendTime sets the send time of the request to build.
func (b ReadReqBuilder) WithSendTime(t sim.VTimeInSec) ReadReqBuilder {
	b.sendTime = t
	return b
}

// WithSrc sets the source of the request to build.
func (b ReadReqBuilder) WithSrc(src sim.Port) ReadReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b ReadReqBuilder) WithDst(dst sim.Port) ReadReqBuilder {
	b.dst = dst
	return b
}

// WithAddress sets the address of the request to build.
func (b ReadReqBuilder) WithAddress(address uint64) ReadReqBuilder {
	b.address = address
	return b
}

// WithByteSize sets the byte size of the request to build.
func (b ReadReqBuilder) WithByteSize(byteSize uint64) ReadReqBuilder {
	b.byteSize = byteSize
	return b
}

// WithInfo sets the information attached to the request to build.
func (b ReadReqBuilder) WithInfo(info interface{}) ReadReqBuilder {
	b.info = info
	return b
}

// Build creates a new ReadReq.
func (b ReadReqBuilder) Build() *ReadReq {
	r := &ReadReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.SendTime = b.sendTime
	r.TrafficBytes = accessReqByteOverhead
	r.Address = b.address
	r.AccessByteSize = b.byteSize
	r.Info = b.info
	return r
}

// A WriteReq is a request sent to a memory controller to write data.
type WriteReq struct {
	sim.MsgMeta

	Address uint64
	Data    []byte
	Info    interface{}
}

// Meta returns the meta data attached to the request.
func (r *WriteReq) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// WriteReqBuilder can build write requests.
type WriteReqBuilder struct {
	sendTime sim.VTimeInSec
	src, dst sim.Port
	address  uint64
	data     []byte
	info     interface{}
}

// WithSendTime sets the send time of the request to build.
func (b WriteReqBuilder) WithSendTime(t sim.VTimeInSec) WriteReqBuilder {
	b.sendTime = t
	return b
}

// WithSrc sets the source of the request to build.
func (b WriteReqBuilder) WithSrc(src sim.Port) WriteReqBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the request to build.
func (b WriteReqBuilder) WithDst(dst sim.Port) WriteReqBuilder {
	b.dst = dst
	return b
}

// WithAddress sets the address of the request to build.
func (b WriteReqBuilder) WithAddress(address uint64) WriteReqBuilder {
	b.address = address
	return b
}

// WithData sets the data of the request to build.
func (b WriteReqBuilder) WithData(data []byte) WriteReqBuilder {
	b.data = data
	return b
}

// WithInfo sets the information attached to the request to build.
func (b WriteReqBuilder) WithInfo(info interface{}) WriteReqBuilder {
	b.info = info
	return b
}

// Build creates a new WriteReq.
func (b WriteReqBuilder) Build() *WriteReq {
	r := &WriteReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.SendTime = b.sendTime
	r.Address = b.address
	r.Data = b.data
	r.TrafficBytes = len(r.Data) + accessReqByteOverhead
	r.Info = b.info
	return r
}

// A DataReadyRsp is the response that carries the data loaded.
type DataReadyRsp struct {
	sim.MsgMeta

	RespondTo string
	Data      []byte
}

// Meta returns the meta data attached to the message.
func (r *DataReadyRsp) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// GetRspTo returns the ID of the request that the response is responding
// to.
func (r *DataReadyRsp) GetRspTo() string {
	return r.RespondTo
}

// DataReadyRspBuilder can build data ready responses.
type DataReadyRspBuilder struct {
	sendTime sim.VTimeInSec
	src, dst sim.Port
	rspTo    string
	data     []byte
}

// WithSendTime sets the send time of the response to build.
func (b DataReadyRspBuilder) WithSendTime(
	t sim.VTimeInSec,
) DataReadyRspBuilder {
	b.sendTime = t
	return b
}

// WithSrc sets the source of the response to build.
func (b DataReadyRspBuilder) WithSrc(src sim.Port) DataReadyRspBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the response to build.
func (b DataReadyRspBuilder) WithDst(dst sim.Port) DataReadyRspBuilder {
	b.dst = dst
	return b
}

// WithRspTo sets the ID of the request that the response replies to.
func (b DataReadyRspBuilder) WithRspTo(id string) DataReadyRspBuilder {
	b.rspTo = id
	return b
}

// WithData sets the data of the response to build.
func (b DataReadyRspBuilder) WithData(data []byte) DataReadyRspBuilder {
	b.data = data
	return b
}

// Build creates a new DataReadyRsp.
func (b DataReadyRspBuilder) Build() *DataReadyRsp {
	r := &DataReadyRsp{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.SendTime = b.sendTime
	r.TrafficBytes = len(b.data) + accessRspByteOverhead
	r.RespondTo = b.rspTo
	r.Data = b.data
	return r
}

// A WriteDoneRsp marks that a previous write request completed.
type WriteDoneRsp struct {
	sim.MsgMeta

	RespondTo string
}

// Meta returns the meta data associated with the message.
func (r *WriteDoneRsp) Meta() *sim.MsgMeta {
	return &r.MsgMeta
}

// GetRspTo returns the ID of the request that the response is responding
// to.
func (r *WriteDoneRsp) GetRspTo() string {
	return r.RespondTo
}

// WriteDoneRspBuilder can build write done responses.
type WriteDoneRspBuilder struct {
	sendTime sim.VTimeInSec
	src, dst sim.Port
	rspTo    string
}

// WithSendTime sets the send time of the response to build.
func (b WriteDoneRspBuilder) WithSendTime(
	t sim.VTimeInSec,
) WriteDoneRspBuilder {
	b.sendTime = t
	return b
}

// WithSrc sets the source of the response to build.
func (b WriteDoneRspBuilder) WithSrc(src sim.Port) WriteDoneRspBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the response to build.
func (b WriteDoneRspBuilder) WithDst(dst sim.Port) WriteDoneRspBuilder {
	b.dst = dst
	return b
}

// WithRspTo sets the ID of the request that the response replies to.
func (b WriteDoneRspBuilder) WithRspTo(id string) WriteDoneRspBuilder {
	b.rspTo = id
	return b
}

// Build creates a new WriteDoneRsp.
func (b WriteDoneRspBuilder) Build() *WriteDoneRsp {
	r := &WriteDoneRsp{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Dst = b.dst
	r.SendTime = b.sendTime
	r.TrafficBytes = accessRspByteOverhead
	r.RespondTo = b.rspTo
	return r
}
