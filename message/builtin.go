// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package message

import "github.com/creachadair/roam/packet"

// Opcodes of the built-in addressable directory messages. Requests are
// InnerAddress requests routed to the scene of an addressable manager.
var (
	AddressableAddRequest     = builtin(packet.InnerAddressRequest, 1)
	AddressableAddResponse    = builtin(packet.InnerAddressResponse, 1)
	AddressableGetRequest     = builtin(packet.InnerAddressRequest, 2)
	AddressableGetResponse    = builtin(packet.InnerAddressResponse, 2)
	AddressableRemoveRequest  = builtin(packet.InnerAddressRequest, 3)
	AddressableRemoveResponse = builtin(packet.InnerAddressResponse, 3)
	AddressableLockRequest    = builtin(packet.InnerAddressRequest, 4)
	AddressableLockResponse   = builtin(packet.InnerAddressResponse, 4)
	AddressableUnlockRequest  = builtin(packet.InnerAddressRequest, 5)
	AddressableUnlockResponse = builtin(packet.InnerAddressResponse, 5)
)

// Opcodes of the built-in roaming messages. Link, unlink and transfer
// requests go to the scene that hosts a terminus; the others go to the gate
// scene that holds the roaming link.
var (
	RoamingLinkRequest      = builtin(packet.InnerAddressRequest, 11)
	RoamingLinkResponse     = builtin(packet.InnerAddressResponse, 11)
	RoamingUnlinkRequest    = builtin(packet.InnerAddressRequest, 12)
	RoamingUnlinkResponse   = builtin(packet.InnerAddressResponse, 12)
	RoamingGetRequest       = builtin(packet.InnerAddressRequest, 13)
	RoamingGetResponse      = builtin(packet.InnerAddressResponse, 13)
	RoamingLockRequest      = builtin(packet.InnerAddressRequest, 14)
	RoamingLockResponse     = builtin(packet.InnerAddressResponse, 14)
	RoamingUnlockRequest    = builtin(packet.InnerAddressRequest, 15)
	RoamingUnlockResponse   = builtin(packet.InnerAddressResponse, 15)
	RoamingTransferRequest  = builtin(packet.InnerAddressRequest, 16)
	RoamingTransferResponse = builtin(packet.InnerAddressResponse, 16)
	RoamingPushMessage      = builtin(packet.InnerAddressMessage, 17)
)

func builtin(cat packet.Category, index uint32) packet.Opcode {
	return packet.NewOpcode(cat, packet.CodecMsgpack, index)
}

// AddressableAdd binds an addressable id to the address of its entity,
// replacing any previous binding.
type AddressableAdd struct {
	ID      int64 `codec:"id"`
	Address int64 `codec:"address"`
}

// AddressableGet asks for the address bound to an addressable id.
type AddressableGet struct {
	ID int64 `codec:"id"`
}

// AddressableRemove removes the binding of an addressable id. If Address is
// nonzero, the binding is removed only if it still refers to that address.
type AddressableRemove struct {
	ID      int64 `codec:"id"`
	Address int64 `codec:"address"`
}

// AddressableLock freezes the binding of an addressable id while its entity
// migrates. Lookups of the id wait until the matching unlock.
type AddressableLock struct {
	ID int64 `codec:"id"`
}

// AddressableUnlock rebinds a locked addressable id to a new address and
// releases the lock.
type AddressableUnlock struct {
	ID      int64 `codec:"id"`
	Address int64 `codec:"address"`
}

// AddressableAddress is the response to requests that report a binding.
// Address is zero if the id is not bound.
type AddressableAddress struct {
	ID      int64 `codec:"id"`
	Address int64 `codec:"address"`
}

// Empty is a response with no content.
type Empty struct{}

// RoamingTarget names the terminus of one roaming type of a roaming link.
// Gate is the address of the scene holding the link. Terminus is zero in
// requests that create or look up a terminus.
type RoamingTarget struct {
	ID       int64 `codec:"id"`
	Type     int32 `codec:"type"`
	Gate     int64 `codec:"gate"`
	Terminus int64 `codec:"terminus"`
}

// RoamingPush carries a frame from a terminus back to the client session of
// its roaming link.
type RoamingPush struct {
	ID      int64  `codec:"id"`
	Opcode  uint32 `codec:"opcode"`
	Payload []byte `codec:"payload"`
}
