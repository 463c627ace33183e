// Package modbus implements a Driver plugin (C5/C7) speaking Modbus TCP
// through github.com/goburrow/modbus, the southbound protocol named
// throughout the specification and worked through in its scenario 1
// example ("create a Modbus driver, add a group, add a tag, read it").
package modbus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/group"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/tag"
)

// Setting is the JSON setting blob this driver expects at Init/Setting
// (spec §4.4 "setting is an opaque JSON blob the plugin alone interprets").
type Setting struct {
	// Address is host:port of the Modbus TCP gateway or device.
	Address string `json:"address"`
	// TimeoutMS bounds each request; zero uses a 1s default.
	TimeoutMS int64 `json:"timeout_ms"`
}

// registerKind is the Modbus table an address belongs to, inferred from
// its leading digit the way classic Modicon addressing does (0xxxx coils,
// 1xxxx discrete inputs, 3xxxx input registers, 4xxxx holding registers).
type registerKind int

const (
	kindCoil registerKind = iota
	kindDiscreteInput
	kindInputRegister
	kindHoldingRegister
)

// addr is one tag's resolved Modbus location: "<slaveID>!<modicon address>",
// e.g. "1!400001" is slave 1, holding register 1 (0-based offset 0).
type addr struct {
	slave    byte
	kind     registerKind
	offset   uint16
	bitCount uint16
}

func parseAddress(raw string) (addr, error) {
	bang := strings.IndexByte(raw, '!')
	if bang < 0 {
		return addr{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	slaveStr, modicon := raw[:bang], raw[bang+1:]
	// ParseAddressOption suffixes (".N", "#B") are stripped by the caller
	// before this parse; only the bare digits reach here.
	slave, err := strconv.Atoi(slaveStr)
	if err != nil || slave < 0 || slave > 247 {
		return addr{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	if len(modicon) < 5 {
		return addr{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	n, err := strconv.Atoi(modicon)
	if err != nil {
		return addr{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	var kind registerKind
	var base int
	switch modicon[0] {
	case '0':
		kind, base = kindCoil, 1
	case '1':
		kind, base = kindDiscreteInput, 100001
	case '3':
		kind, base = kindInputRegister, 300001
	case '4':
		kind, base = kindHoldingRegister, 400001
	default:
		return addr{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	offset := n - base
	if offset < 0 || offset > 0xFFFF {
		return addr{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	return addr{slave: byte(slave), kind: kind, offset: uint16(offset)}, nil
}

// registerSpan reports how many 16-bit registers t's declared Type spans,
// for kindInputRegister/kindHoldingRegister tags.
func registerSpan(t tag.Type) uint16 {
	switch t {
	case tag.TypeInt32, tag.TypeUint32, tag.TypeFloat, tag.TypeDword:
		return 2
	case tag.TypeInt64, tag.TypeUint64, tag.TypeDouble, tag.TypeLword:
		return 4
	default:
		return 1
	}
}

func decodeValue(t tag.Tag, raw []byte) (json.RawMessage, error) {
	opt, err := t.ParseAddressOption()
	if err != nil {
		return nil, err
	}
	order := func(e tag.Endian) binary.ByteOrder {
		if e == tag.EndianLittle {
			return binary.LittleEndian
		}
		return binary.BigEndian
	}
	switch t.Type {
	case tag.TypeInt16:
		v := int16(order(opt.Endian).Uint16(raw))
		return json.Marshal(v)
	case tag.TypeUint16, tag.TypeWord:
		v := order(opt.Endian).Uint16(raw)
		return json.Marshal(v)
	case tag.TypeInt32:
		v := int32(order(opt.Endian1).Uint32(raw))
		return json.Marshal(v)
	case tag.TypeUint32, tag.TypeDword:
		v := order(opt.Endian1).Uint32(raw)
		return json.Marshal(v)
	case tag.TypeFloat:
		bits := order(opt.Endian1).Uint32(raw)
		return json.Marshal(math.Float32frombits(bits))
	case tag.TypeInt64:
		v := int64(order(opt.Endian).Uint64(raw))
		return json.Marshal(v)
	case tag.TypeUint64, tag.TypeLword:
		v := order(opt.Endian).Uint64(raw)
		return json.Marshal(v)
	case tag.TypeDouble:
		bits := order(opt.Endian).Uint64(raw)
		return json.Marshal(math.Float64frombits(bits))
	case tag.TypeBool, tag.TypeBit:
		return json.Marshal(raw[0] != 0)
	default:
		return nil, gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
}

// Driver is the modbus plugin's Instance: one Modbus TCP connection shared
// by every group and tag this adapter owns.
type Driver struct {
	mu     sync.Mutex
	client gomodbus.Client
	handler *gomodbus.TCPClientHandler
	cb     plugin.Callbacks
}

// New constructs a fresh, unconnected Driver instance.
func New() *Driver { return &Driver{} }

// Module adapts New into the plugin.Module the registry expects (spec
// §4.4's open()/close() pair).
type Module struct{}

// Descriptor returns the modbus plugin's static metadata.
func (Module) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:     "modbus",
		Version:  "1.0.0",
		Schema:   "1",
		NodeKind: plugin.KindDriver,
		Kind:     "modbus-tcp",
	}
}

// Open returns a fresh, uninitialized Driver.
func (Module) Open() (plugin.Instance, error) { return New(), nil }

// Close releases any resources Open allocated beyond what Uninit releases.
func (Module) Close(plugin.Instance) {}

// Init connects to the device named in setting.
func (d *Driver) Init(_ context.Context, cb plugin.Callbacks, setting json.RawMessage) error {
	var s Setting
	if len(setting) > 0 {
		if err := json.Unmarshal(setting, &s); err != nil {
			return gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
	}
	if s.Address == "" {
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	timeout := time.Second
	if s.TimeoutMS > 0 {
		timeout = time.Duration(s.TimeoutMS) * time.Millisecond
	}
	handler := gomodbus.NewTCPClientHandler(s.Address)
	handler.Timeout = timeout
	if err := handler.Connect(); err != nil {
		return gatewayerr.Wrap(gatewayerr.DeviceFailure, err)
	}
	d.mu.Lock()
	d.handler = handler
	d.client = gomodbus.NewClient(handler)
	d.cb = cb
	d.mu.Unlock()
	return nil
}

// Uninit closes the TCP connection.
func (d *Driver) Uninit(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler != nil {
		_ = d.handler.Close()
		d.handler = nil
	}
	return nil
}

// Start/Stop are no-ops: the connection is held open across both states,
// only the adapter's poll loop (outside this plugin) starts/stops ticking.
func (d *Driver) Start(context.Context) error { return nil }
func (d *Driver) Stop(context.Context) error  { return nil }

// Setting reconnects to a new device address.
func (d *Driver) Setting(ctx context.Context, setting json.RawMessage) error {
	if err := d.Uninit(ctx); err != nil {
		return err
	}
	return d.Init(ctx, d.cb, setting)
}

// Request has no driver-specific RPCs; unknown types are an error.
func (*Driver) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, gatewayerr.New(gatewayerr.GroupParameterInvalid)
}

// ValidateTag checks the address parses and, for string/bytes tags
// (unsupported by this driver), rejects them up front.
func (*Driver) ValidateTag(t tag.Tag) error {
	if t.Type == tag.TypeString || t.Type == tag.TypeBytes {
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	raw := t.Address
	if i := strings.IndexAny(raw, ".#"); i >= 0 {
		raw = raw[:i]
	}
	_, err := parseAddress(raw)
	return err
}

// TagValidator has no cross-tag constraints for this driver.
func (*Driver) TagValidator([]tag.Tag) error { return nil }

func (d *Driver) setClient() (gomodbus.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, gatewayerr.New(gatewayerr.MQTTIsNull)
	}
	return d.client, nil
}

// GroupTimer reads every readable tag and returns their decoded values.
func (d *Driver) GroupTimer(_ context.Context, _ *group.Group, readable []tag.Tag) (map[string]json.RawMessage, error) {
	client, err := d.setClient()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]json.RawMessage, len(readable))
	for _, t := range readable {
		raw := t.Address
		if i := strings.IndexAny(raw, ".#"); i >= 0 {
			raw = raw[:i]
		}
		a, err := parseAddress(raw)
		if err != nil {
			continue
		}
		d.handler.SlaveId = a.slave
		var bytes []byte
		var readErr error
		switch a.kind {
		case kindCoil:
			bytes, readErr = client.ReadCoils(a.offset, 1)
		case kindDiscreteInput:
			bytes, readErr = client.ReadDiscreteInputs(a.offset, 1)
		case kindInputRegister:
			bytes, readErr = client.ReadInputRegisters(a.offset, registerSpan(t.Type))
		case kindHoldingRegister:
			bytes, readErr = client.ReadHoldingRegisters(a.offset, registerSpan(t.Type))
		}
		if readErr != nil {
			continue
		}
		if v, err := decodeValue(t, bytes); err == nil {
			out[t.Name] = v
		}
	}
	return out, nil
}

// GroupSync is a no-op: this driver keeps no internal read plan beyond the
// per-tag address parse already done on every GroupTimer call.
func (*Driver) GroupSync(context.Context, *group.Group, []tag.Tag, []tag.Tag) error { return nil }

// WriteTag writes a single tag's value to its resolved address.
func (d *Driver) WriteTag(_ context.Context, t tag.Tag, value json.RawMessage) error {
	if !t.Attribute.Has(tag.AttrWrite) {
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	client, err := d.setClient()
	if err != nil {
		return err
	}
	raw := t.Address
	if i := strings.IndexAny(raw, ".#"); i >= 0 {
		raw = raw[:i]
	}
	a, err := parseAddress(raw)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler.SlaveId = a.slave
	switch a.kind {
	case kindCoil:
		var v bool
		if err := json.Unmarshal(value, &v); err != nil {
			return gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
		coilVal := uint16(0x0000)
		if v {
			coilVal = 0xFF00
		}
		_, err := client.WriteSingleCoil(a.offset, coilVal)
		return wrapModbusErr(err)
	case kindHoldingRegister:
		var v int64
		if err := json.Unmarshal(value, &v); err != nil {
			return gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
		_, err := client.WriteSingleRegister(a.offset, uint16(v))
		return wrapModbusErr(err)
	default:
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
}

func wrapModbusErr(err error) error {
	if err == nil {
		return nil
	}
	return gatewayerr.Wrap(gatewayerr.DeviceFailure, err)
}

// WriteTags performs each write independently, collecting one error per
// item (spec §4.5 "Write path" batch form).
func (d *Driver) WriteTags(ctx context.Context, writes []plugin.TagWrite) []error {
	out := make([]error, len(writes))
	for i, w := range writes {
		out[i] = d.WriteTag(ctx, w.Tag, w.Value)
	}
	return out
}

// LoadTags/AddTags/DelTags are no-ops: this driver resolves every tag's
// address freshly on each GroupTimer/WriteTag call rather than caching an
// internal plan, so there is nothing to prime or invalidate.
func (*Driver) LoadTags(context.Context, string, []tag.Tag) error { return nil }
func (*Driver) AddTags(context.Context, string, []tag.Tag) error  { return nil }
func (*Driver) DelTags(context.Context, string, []string) error   { return nil }
