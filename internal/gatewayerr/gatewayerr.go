// Package gatewayerr defines the closed set of error codes the gateway core
// reports across the control plane and data plane.
package gatewayerr

import "fmt"

// Code is one of the gateway's closed error kinds.
type Code int

// The closed set of error codes, per the core's error handling design.
const (
	Success Code = iota
	EInternal
	NodeExist
	NodeNotExist
	NodeNotAllowDelete
	NodeNotAllowSubscribe
	TagNameConflict
	TagNotExist
	GroupNotExist
	GroupMaxGroups
	GroupNotSubscribe
	GroupParameterInvalid
	LibraryNotFound
	LibraryNotAllowCreateInstance
	LibraryFailedToOpen
	PluginTypeNotSupport
	MQTTFailure
	MQTTIsNull
	MQTTPublishFailure
	MQTTSubscribeFailure
	DeviceFailure
)

var names = map[Code]string{
	Success:                       "SUCCESS",
	EInternal:                     "EINTERNAL",
	NodeExist:                     "NODE_EXIST",
	NodeNotExist:                  "NODE_NOT_EXIST",
	NodeNotAllowDelete:            "NODE_NOT_ALLOW_DELETE",
	NodeNotAllowSubscribe:         "NODE_NOT_ALLOW_SUBSCRIBE",
	TagNameConflict:               "TAG_NAME_CONFLICT",
	TagNotExist:                   "TAG_NOT_EXIST",
	GroupNotExist:                 "GROUP_NOT_EXIST",
	GroupMaxGroups:                "GROUP_MAX_GROUPS",
	GroupNotSubscribe:             "GROUP_NOT_SUBSCRIBE",
	GroupParameterInvalid:         "GROUP_PARAMETER_INVALID",
	LibraryNotFound:               "LIBRARY_NOT_FOUND",
	LibraryNotAllowCreateInstance: "LIBRARY_NOT_ALLOW_CREATE_INSTANCE",
	LibraryFailedToOpen:           "LIBRARY_FAILED_TO_OPEN",
	PluginTypeNotSupport:          "PLUGIN_TYPE_NOT_SUPPORT",
	MQTTFailure:                   "MQTT_FAILURE",
	MQTTIsNull:                    "MQTT_IS_NULL",
	MQTTPublishFailure:            "MQTT_PUBLISH_FAILURE",
	MQTTSubscribeFailure:          "MQTT_SUBSCRIBE_FAILURE",
	DeviceFailure:                 "DEVICE_FAILURE",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

var codesByName map[string]Code

func init() {
	codesByName = make(map[string]Code, len(names))
	for c, n := range names {
		codesByName[n] = c
	}
}

// CodeFromName reverses Code.String, for decoding a RESP_ERROR envelope's
// error field back into a Code. An unrecognized name maps to EInternal.
func CodeFromName(name string) Code {
	if c, ok := codesByName[name]; ok {
		return c
	}
	return EInternal
}

// Error wraps a Code with an optional causing error, so callers can
// errors.Is/As against the sentinel Code while still carrying context.
type Error struct {
	Code  Code
	Cause error
}

// New builds an *Error with no underlying cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap builds an *Error that carries cause as its Unwrap target.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

// Unwrap lets errors.Is/errors.As reach the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error,
// otherwise returns EInternal.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var ge *Error
	if as(err, &ge) {
		return ge.Code
	}
	return EInternal
}

// as is a small indirection over errors.As to keep this file import-light
// and independently testable.
func as(err error, target **Error) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
