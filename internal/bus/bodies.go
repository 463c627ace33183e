package bus

import (
	"encoding/json"

	"github.com/neurogate/gateway/internal/tag"
)

// TagValue is one sampled or static value inside a TransData snapshot.
type TagValue struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
	Error string          `json:"error,omitempty"`
}

// TransDataBody is the structured result of one group poll (spec §3, §4.5
// step 2): {driver_name, group_name, timestamp, [tag_value]}.
type TransDataBody struct {
	Driver    string     `json:"driver"`
	Group     string     `json:"group"`
	Timestamp int64      `json:"timestamp"`
	Values    []TagValue `json:"values"`
}

// ReadGroupBody requests a one-shot read of a group outside its normal
// poll cycle.
type ReadGroupBody struct {
	Driver string `json:"driver"`
	Group  string `json:"group"`
}

// WriteTagBody carries a single tag write (spec §4.5 "Write path").
type WriteTagBody struct {
	Driver string          `json:"driver"`
	Group  string          `json:"group"`
	Tag    string          `json:"tag"`
	Value  json.RawMessage `json:"value"`
}

// WriteTagsBody carries a batch write.
type WriteTagsBody struct {
	Driver string         `json:"driver"`
	Group  string         `json:"group"`
	Writes []WriteTagItem `json:"writes"`
}

// WriteTagItem is one entry of a WriteTagsBody.
type WriteTagItem struct {
	Tag   string          `json:"tag"`
	Value json.RawMessage `json:"value"`
}

// SubscribeGroupBody is delivered to both the app and driver sides of a
// subscription (spec §4.8 "Send-subscribe"): it carries the other party's
// mailbox address so each side can address the other directly.
type SubscribeGroupBody struct {
	App        string `json:"app"`
	Driver     string `json:"driver"`
	Group      string `json:"group"`
	Params     string `json:"params"`
	PeerAddr   string `json:"peer_addr"`
}

// UnsubscribeGroupBody requests a driver/app drop a subscription. PeerAddr
// is whichever side's mailbox address the receiver needs to remove from its
// own bookkeeping (the driver's fan-out list, or the app's subs table).
type UnsubscribeGroupBody struct {
	App      string `json:"app"`
	Driver   string `json:"driver"`
	Group    string `json:"group"`
	PeerAddr string `json:"peer_addr"`
}

// NodeDeletedBody notifies a subscriber that a driver it depended on is gone
// (spec §4.8 "Delete node", invariant 4 in §8).
type NodeDeletedBody struct {
	Node string `json:"node"`
}

// RespErrorBody is the generic control-plane response (spec §7).
type RespErrorBody struct {
	Error string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// GetNodeSettingBody requests a node's opaque setting blob.
type GetNodeSettingBody struct {
	Node string `json:"node"`
}

// GetNodeSettingRespBody carries a node's opaque setting blob back.
type GetNodeSettingRespBody struct {
	Setting json.RawMessage `json:"setting"`
}

// SetNodeSettingBody pushes a new opaque setting blob to a node.
type SetNodeSettingBody struct {
	Setting json.RawMessage `json:"setting"`
}

// UpdateGroupBody requests a group's interval be changed.
type UpdateGroupBody struct {
	Driver     string `json:"driver"`
	Group      string `json:"group"`
	IntervalMS int64  `json:"interval_ms"`
}

// UpdateDriverGroupRespBody is the reuse-paired response to UpdateGroupBody.
type UpdateDriverGroupRespBody struct {
	Timestamp int64 `json:"timestamp"`
}

// NodeCtlBody requests a node transition between RUNNING and READY.
type NodeCtlBody struct {
	Node  string `json:"node"`
	Start bool   `json:"start"`
}

// AddGroupBody requests a driver create a new group (spec §4.2).
type AddGroupBody struct {
	Group      string `json:"group"`
	IntervalMS int64  `json:"interval_ms"`
}

// DelGroupBody requests a driver destroy a group, freeing all its tags.
type DelGroupBody struct {
	Group string `json:"group"`
}

// GetGroupBody requests a group's metadata (and optionally its tags).
type GetGroupBody struct {
	Group string `json:"group"`
}

// GetGroupRespBody carries a group's metadata back.
type GetGroupRespBody struct {
	Group      string    `json:"group"`
	IntervalMS int64     `json:"interval_ms"`
	Timestamp  int64     `json:"timestamp"`
	Tags       []tag.Tag `json:"tags,omitempty"`
}

// AddTagBody requests a driver add one tag to a group (spec §4.5 "Tag
// mutation path").
type AddTagBody struct {
	Group string  `json:"group"`
	Tag   tag.Tag `json:"tag"`
}

// UpdateTagBody requests a driver replace one tag of a group.
type UpdateTagBody struct {
	Group string  `json:"group"`
	Tag   tag.Tag `json:"tag"`
}

// DelTagBody requests a driver remove one tag from a group.
type DelTagBody struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

// AddGTagBody requests a driver add a whole batch of tags to a group,
// transactionally: either every tag in Tags is committed, or none are
// (spec §4.5 "A validation failure rolls back the entire request").
type AddGTagBody struct {
	Group string    `json:"group"`
	Tags  []tag.Tag `json:"tags"`
}

// GetTagBody requests one tag's current definition.
type GetTagBody struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

// GetTagRespBody carries a tag's definition back.
type GetTagRespBody struct {
	Tag tag.Tag `json:"tag"`
}

// ListSubGroupsRespBody carries a driver's current group names back, for
// the manager's GROUP_MAX_PER_NODE preflight check (SPEC_FULL's supplement)
// and for any control-plane listing surface.
type ListSubGroupsRespBody struct {
	Groups []string `json:"groups"`
}
