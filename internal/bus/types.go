// Package bus implements the message bus (C4): a closed enumeration of
// typed envelopes exchanged between adapters over a named, in-process
// "datagram" transport (spec §4.3, §6).
package bus

import "encoding/json"

// Type is the closed enumeration of envelope kinds the bus transports.
type Type string

// The closed set of envelope types named across spec §3, §4.3 and §4.5-4.8.
const (
	TypeAddNode      Type = "ADD_NODE"
	TypeNodeUninit   Type = "NODE_UNINIT" // reuse-paired response to ADD_NODE
	TypeDelNode      Type = "DEL_NODE"
	TypeUpdateNode   Type = "UPDATE_NODE"
	TypeGetNode      Type = "GET_NODE"
	TypeRenameNode   Type = "RENAME_NODE"
	TypeNodeCtl      Type = "NODE_CTL" // start/stop control
	TypeNodesState   Type = "NODES_STATE"
	TypeNodeDeleted  Type = "NODE_DELETED"

	TypeGetNodeSetting     Type = "GET_NODE_SETTING"
	TypeGetNodeSettingResp Type = "GET_NODE_SETTING_RESP" // reuse-paired response
	TypeSetNodeSetting     Type = "SET_NODE_SETTING"

	TypeAddGroup    Type = "ADD_GROUP"
	TypeDelGroup    Type = "DEL_GROUP"
	TypeUpdateGroup Type = "UPDATE_GROUP"
	// TypeUpdateDriverGroupResp is the reuse-paired response to
	// TypeUpdateGroup (spec §4.3's closed reuse-pair table).
	TypeUpdateDriverGroupResp Type = "UPDATE_DRIVER_GROUP_RESP"
	TypeGetGroup              Type = "GET_GROUP"
	TypeListSubGroups          Type = "LIST_SUB_GROUPS"

	TypeAddTag    Type = "ADD_TAG"
	TypeUpdateTag Type = "UPDATE_TAG"
	TypeDelTag    Type = "DEL_TAG"
	TypeAddGTag   Type = "ADD_GTAG"
	TypeGetTag    Type = "GET_TAG"

	TypeReadGroup  Type = "READ_GROUP"
	TypeWriteTag   Type = "WRITE_TAG"
	TypeWriteTags  Type = "WRITE_TAGS"
	TypeTransData  Type = "TRANS_DATA"

	TypeSubscribe        Type = "SUBSCRIBE"
	TypeUnsubscribe      Type = "UNSUBSCRIBE"
	TypeSubscribeGroup   Type = "SUBSCRIBE_GROUP"
	TypeUnsubscribeGroup Type = "UNSUBSCRIBE_GROUP"

	TypeRespError Type = "RESP_ERROR"
)

// responsePairs is the closed table of request types that are answered by
// reusing the same logical envelope for an in-place response, named in
// spec §4.3. The Go implementation doesn't need in-place buffer reuse (the
// runtime owns allocation) but keeps the table, read through
// ExpectedResponse. Caller.Call does not consult it: it matches a response
// by context alone.
var responsePairs = map[Type]Type{
	TypeAddNode:        TypeNodeUninit,
	TypeUpdateGroup:    TypeUpdateDriverGroupResp,
	TypeGetNodeSetting: TypeGetNodeSettingResp,
}

// ExpectedResponse returns the response Type paired with req, and whether
// req is one of the types with a declared pairing. Request types with no
// entry here are answered generically with TypeRespError.
func ExpectedResponse(req Type) (Type, bool) {
	t, ok := responsePairs[req]
	return t, ok
}

// Envelope is the tagged-union message passed between adapters, replacing
// the original's void* payload (spec §9): Type is the discriminant, Body
// is a value whose concrete shape is a function of Type.
type Envelope struct {
	Type     Type
	Sender   string
	Receiver string
	Context  string // correlation id, set by the bus on Call
	Body     json.RawMessage
}

// Encode marshals body into an Envelope's Body field.
func Encode(body any) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	return json.Marshal(body)
}

// Decode unmarshals an Envelope's Body into out.
func (e *Envelope) Decode(out any) error {
	if len(e.Body) == 0 {
		return nil
	}
	return json.Unmarshal(e.Body, out)
}
