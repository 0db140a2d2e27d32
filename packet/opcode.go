// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package packet

import "fmt"

// An Opcode is the wire type tag of a frame. It packs three fields into 32
// bits:
//
//	 31 ... 27 | 26 ... 23 | 22 ... 0
//	 category  |   codec   |  index
//
// The category selects how a frame is routed and whether it is a message,
// request or response. The codec selects the payload encoding. The index
// distinguishes message types within a category.
type Opcode uint32

const (
	indexBits     = 23
	codecShift    = 23
	codecMask     = 0xF
	categoryShift = 27
	categoryMask  = 0x1F

	// MaxIndex is the largest index an opcode can carry.
	MaxIndex = 1<<indexBits - 1
)

// NewOpcode packs a category, codec, and index into an opcode. It panics if
// any field is out of range.
func NewOpcode(cat Category, codec Codec, index uint32) Opcode {
	if uint32(cat) > categoryMask {
		panic(fmt.Sprintf("category %d out of range", cat))
	} else if uint32(codec) > codecMask {
		panic(fmt.Sprintf("codec %d out of range", codec))
	} else if index > MaxIndex {
		panic(fmt.Sprintf("index %d out of range", index))
	}
	return Opcode(uint32(cat)<<categoryShift | uint32(codec)<<codecShift | index)
}

// Index returns the index field of o.
func (o Opcode) Index() uint32 { return uint32(o) & MaxIndex }

// Codec returns the payload codec field of o.
func (o Opcode) Codec() Codec { return Codec(uint32(o) >> codecShift & codecMask) }

// Category returns the category field of o.
func (o Opcode) Category() Category { return Category(uint32(o) >> categoryShift & categoryMask) }

func (o Opcode) String() string {
	return fmt.Sprintf("Opcode(%v, %v, %d)", o.Category(), o.Codec(), o.Index())
}

// Codec identifies the encoding of a frame payload.
type Codec uint8

const (
	CodecProtobuf Codec = 0 // protocol buffers, the primary binary codec
	CodecJSON     Codec = 1 // JSON, the alternate codec
	CodecMsgpack  Codec = 2 // msgpack, the compact binary codec
)

func (c Codec) String() string {
	switch c {
	case CodecProtobuf:
		return "protobuf"
	case CodecJSON:
		return "json"
	case CodecMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec:%d", uint8(c))
	}
}

// Category is the message category of an opcode.
type Category uint8

const (
	OuterMessage  Category = 1
	OuterRequest  Category = 2
	OuterResponse Category = 3

	InnerMessage  Category = 4
	InnerRequest  Category = 5
	InnerResponse Category = 6

	InnerAddressMessage  Category = 7
	InnerAddressRequest  Category = 8
	InnerAddressResponse Category = 9

	OuterAddressableMessage  Category = 10
	OuterAddressableRequest  Category = 11
	OuterAddressableResponse Category = 12

	InnerAddressableMessage  Category = 13
	InnerAddressableRequest  Category = 14
	InnerAddressableResponse Category = 15

	OuterCustomRouteMessage  Category = 16
	OuterCustomRouteRequest  Category = 17
	OuterCustomRouteResponse Category = 18

	OuterRoamingMessage  Category = 19
	OuterRoamingRequest  Category = 20
	OuterRoamingResponse Category = 21

	InnerRoamingMessage  Category = 22
	InnerRoamingRequest  Category = 23
	InnerRoamingResponse Category = 24

	PingRequest  Category = 30
	PingResponse Category = 31
)

var categoryNames = [...]string{
	OuterMessage: "OuterMessage", OuterRequest: "OuterRequest", OuterResponse: "OuterResponse",
	InnerMessage: "InnerMessage", InnerRequest: "InnerRequest", InnerResponse: "InnerResponse",
	InnerAddressMessage:      "InnerAddressMessage",
	InnerAddressRequest:      "InnerAddressRequest",
	InnerAddressResponse:     "InnerAddressResponse",
	OuterAddressableMessage:  "OuterAddressableMessage",
	OuterAddressableRequest:  "OuterAddressableRequest",
	OuterAddressableResponse: "OuterAddressableResponse",
	InnerAddressableMessage:  "InnerAddressableMessage",
	InnerAddressableRequest:  "InnerAddressableRequest",
	InnerAddressableResponse: "InnerAddressableResponse",
	OuterCustomRouteMessage:  "OuterCustomRouteMessage",
	OuterCustomRouteRequest:  "OuterCustomRouteRequest",
	OuterCustomRouteResponse: "OuterCustomRouteResponse",
	OuterRoamingMessage:      "OuterRoamingMessage",
	OuterRoamingRequest:      "OuterRoamingRequest",
	OuterRoamingResponse:     "OuterRoamingResponse",
	InnerRoamingMessage:      "InnerRoamingMessage",
	InnerRoamingRequest:      "InnerRoamingRequest",
	InnerRoamingResponse:     "InnerRoamingResponse",
	PingRequest:              "PingRequest",
	PingResponse:             "PingResponse",
}

// Valid reports whether c is a defined category.
func (c Category) Valid() bool {
	return int(c) < len(categoryNames) && categoryNames[c] != ""
}

func (c Category) String() string {
	if c.Valid() {
		return categoryNames[c]
	}
	return fmt.Sprintf("category:%d", uint8(c))
}

// Kind describes whether a category carries messages, requests, or responses.
type Kind uint8

const (
	KindInvalid  Kind = iota
	KindMessage       // fire-and-forget, no reply
	KindRequest       // expects exactly one response
	KindResponse      // completes a pending request
)

// Kind reports the kind of frames in category c.
func (c Category) Kind() Kind {
	switch {
	case c == PingRequest:
		return KindRequest
	case c == PingResponse:
		return KindResponse
	case c >= OuterMessage && c <= InnerRoamingResponse:
		return Kind((c-1)%3) + KindMessage
	default:
		return KindInvalid
	}
}

// Routing describes how a frame finds its handler.
type Routing uint8

const (
	RouteInvalid Routing = iota
	RouteDirect          // handled by the receiving scene directly
	RouteEntity          // addressed to an entity by its route address
	RoutePing            // answered by the transport layer
	RouteRoaming         // forwarded through the roaming link of the session
)

// Routing reports how frames in category c are routed.
func (c Category) Routing() Routing {
	switch {
	case c == PingRequest || c == PingResponse:
		return RoutePing
	case c >= OuterMessage && c <= InnerResponse:
		return RouteDirect
	case c >= OuterRoamingMessage && c <= OuterRoamingResponse:
		return RouteRoaming
	case c >= InnerAddressMessage && c <= InnerRoamingResponse:
		return RouteEntity
	default:
		return RouteInvalid
	}
}

// IsInner reports whether c is used between server processes rather than
// between a client and a server.
func (c Category) IsInner() bool {
	switch c {
	case InnerMessage, InnerRequest, InnerResponse,
		InnerAddressMessage, InnerAddressRequest, InnerAddressResponse,
		InnerAddressableMessage, InnerAddressableRequest, InnerAddressableResponse,
		InnerRoamingMessage, InnerRoamingRequest, InnerRoamingResponse:
		return true
	}
	return false
}

// Response returns the response category paired with request category c.
// It reports false if c is not a request category.
func (c Category) Response() (Category, bool) {
	if c.Kind() != KindRequest {
		return 0, false
	}
	return c + 1, true
}

// Inner returns the inner roaming category paired with outer roaming
// category c. It reports false if c is not an outer roaming category.
func (c Category) Inner() (Category, bool) {
	if c.Routing() != RouteRoaming {
		return 0, false
	}
	return c + (InnerRoamingMessage - OuterRoamingMessage), true
}

// Built-in opcodes.
var (
	// DefaultResponse is the opcode of a response to a request whose response
	// type is not registered. Its payload carries only an error code.
	DefaultResponse = NewOpcode(InnerResponse, CodecProtobuf, 1)

	// Ping is the opcode of a liveness probe.
	Ping = NewOpcode(PingRequest, CodecProtobuf, 1)

	// Pong is the opcode of the reply to a Ping.
	Pong = NewOpcode(PingResponse, CodecProtobuf, 1)
)
