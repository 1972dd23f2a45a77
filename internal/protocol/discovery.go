package protocol

import "fmt"

// DiscoveryInfo is the payload of a NETWORK_DISCOVERY reply:
//
//	Name(u16 length + bytes) | Clients(2) | MaxClients(2) | Accepting(1)
type DiscoveryInfo struct {
	Name       string
	Clients    uint16
	MaxClients uint16
	Accepting  bool
}

func (d DiscoveryInfo) String() string {
	state := "accepting"
	if !d.Accepting {
		state = "closed"
	}
	return fmt.Sprintf("%s (%d/%d, %s)", d.Name, d.Clients, d.MaxClients, state)
}

// EncodeDiscovery writes d into seg's payload.
func EncodeDiscovery(seg *Segment, d DiscoveryInfo) bool {
	return seg.WriteString(d.Name) &&
		seg.WriteUint16(d.Clients) &&
		seg.WriteUint16(d.MaxClients) &&
		seg.WriteBool(d.Accepting)
}

// DecodeDiscovery reads a DiscoveryInfo from seg's payload.
func DecodeDiscovery(seg *Segment) (DiscoveryInfo, error) {
	var d DiscoveryInfo
	var ok1, ok2, ok3, ok4 bool
	d.Name, ok1 = seg.ReadString()
	d.Clients, ok2 = seg.ReadUint16()
	d.MaxClients, ok3 = seg.ReadUint16()
	d.Accepting, ok4 = seg.ReadBool()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return DiscoveryInfo{}, fmt.Errorf("%w: short discovery reply", ErrMalformedDatagram)
	}
	return d, nil
}
