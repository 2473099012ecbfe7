package telemetry

import (
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
)

// Snapshot is the decoded content of a frame at one point in time.
// It is encoded with protobuf when mirrored off the device.
type Snapshot struct {
	Speed       uint32 `protobuf:"varint,1,opt,name=speed,proto3" json:"speed"`
	Battery     uint32 `protobuf:"varint,2,opt,name=battery,proto3" json:"battery"`
	Temperature int32  `protobuf:"zigzag32,3,opt,name=temperature,proto3" json:"temperature"`
	LeftLight   bool   `protobuf:"varint,4,opt,name=left_light,json=leftLight,proto3" json:"left_light"`
	RightLight  bool   `protobuf:"varint,5,opt,name=right_light,json=rightLight,proto3" json:"right_light"`
	Online      bool   `protobuf:"varint,6,opt,name=online,proto3" json:"online"`
	Timestamp   int64  `protobuf:"varint,7,opt,name=timestamp,proto3" json:"timestamp"`
	Frame       []byte `protobuf:"bytes,8,opt,name=frame,proto3" json:"frame,omitempty"`
}

// Reset implements proto.Message.
func (m *Snapshot) Reset() { *m = Snapshot{} }

// String implements proto.Message.
func (m *Snapshot) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*Snapshot) ProtoMessage() {}

// Time returns Timestamp as time.Time.
func (m *Snapshot) Time() time.Time {
	return time.Unix(0, m.Timestamp)
}

// Equal compares the decoded values, ignoring Timestamp.
func (m *Snapshot) Equal(o *Snapshot) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Speed == o.Speed &&
		m.Battery == o.Battery &&
		m.Temperature == o.Temperature &&
		m.LeftLight == o.LeftLight &&
		m.RightLight == o.RightLight &&
		m.Online == o.Online
}

// Summary formats the values for logs.
func (m *Snapshot) Summary() string {
	if !m.Online {
		return "offline"
	}
	return fmt.Sprintf("speed=%dkm/h battery=%d%% temperature=%dC left=%s right=%s",
		m.Speed, m.Battery, m.Temperature, onOff(m.LeftLight), onOff(m.RightLight))
}

// Encode marshals the snapshot.
func (m *Snapshot) Encode() ([]byte, error) {
	return proto.Marshal(m)
}

// DecodeSnapshot unmarshals a snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var m Snapshot
	if err := proto.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
