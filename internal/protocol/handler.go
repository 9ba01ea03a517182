// Package protocol implements the four in-scope request variants'
// contracts: ClientHello, Store, Delete, Get. Dispatch itself assumes it
// runs on the server's single serializing core goroutine (see
// internal/server), so no locking appears here — the ordering and
// consistency invariants are the caller's responsibility to uphold by
// only ever calling Handle from that one goroutine.
package protocol

import (
	"fmt"

	"github.com/denulproto/vicbfd/internal/cache"
	"github.com/denulproto/vicbfd/internal/keyid"
	"github.com/denulproto/vicbfd/internal/logging"
	"github.com/denulproto/vicbfd/internal/store"
	"github.com/denulproto/vicbfd/internal/wire"
)

// SupportedClientProto is the only protocol version this server speaks.
const SupportedClientProto = "1.0"

// ServerProto is always reported back, regardless of whether the client's
// proto was accepted.
const ServerProto = "1.0"

// unsupportedProtoPlaceholder is the single required-but-meaningless data
// byte sent when the handshake is rejected.
var unsupportedProtoPlaceholder = []byte("0")

// Handler couples the durable blob map and the VICBF (via its guarded
// cache) and answers one request at a time.
type Handler struct {
	blobs  *store.BlobStore
	filter *cache.Guarded
	log    *logging.Logger
}

// New builds a Handler over an already-open blob store and an already
// -sized, already-populated filter.
func New(blobs *store.BlobStore, filter *cache.Guarded, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{blobs: blobs, filter: filter, log: log}
}

// Handle dispatches one request message and returns the reply to send, or
// (Message{}, false) if the tag is unrecognized — per §4.5, unknown
// variants are silently ignored, not errored.
func (h *Handler) Handle(req wire.Message) (wire.Message, bool) {
	switch req.Tag {
	case wire.TagClientHello:
		return h.handleClientHello(req.ClientHello), true
	case wire.TagStore:
		return h.handleStore(req.Store), true
	case wire.TagDelete:
		return h.handleDelete(req.Delete), true
	case wire.TagGet:
		return h.handleGet(req.Get), true
	default:
		h.log.Warn("ignoring unknown message tag %d", req.Tag)
		return wire.Message{}, false
	}
}

func (h *Handler) handleClientHello(req wire.ClientHello) wire.Message {
	if req.ClientProto != SupportedClientProto {
		h.log.Warn("rejected clientProto %q", req.ClientProto)
		return wire.Message{Tag: wire.TagServerHello, ServerHello: wire.ServerHello{
			ServerProto: ServerProto,
			Opcode:      wire.ClientHelloProtoNotSupported,
			Data:        unsupportedProtoPlaceholder,
		}}
	}

	img, err := h.filter.Image()
	if err != nil {
		// The spec does not define a failure opcode for ClientHello; a
		// cache/serialization failure here is logged at error level and
		// the reply still carries CLIENT_HELLO_OK, with the one-byte
		// placeholder in place of an image, rather than panicking
		// mid-handshake.
		h.log.Error("serializing VICBF for ClientHello: %v", err)
		img = unsupportedProtoPlaceholder
	}
	return wire.Message{Tag: wire.TagServerHello, ServerHello: wire.ServerHello{
		ServerProto: ServerProto,
		Opcode:      wire.ClientHelloOK,
		Data:        img,
	}}
}

func (h *Handler) handleStore(req wire.Store) wire.Message {
	raw, ok := keyid.Decode(req.Key)
	if !ok {
		return wire.Message{Tag: wire.TagStoreReply, StoreReply: wire.StoreReply{
			Key: req.Key, Opcode: wire.StoreFailKeyFmt,
		}}
	}

	if err := h.blobs.Insert(raw, req.Value); err != nil {
		opcode := uint8(wire.StoreFailUnknown)
		if err == store.ErrKeyTaken {
			opcode = wire.StoreFailKeyTaken
		} else {
			h.log.Error("store insert for key %s: %v", req.Key, err)
		}
		return wire.Message{Tag: wire.TagStoreReply, StoreReply: wire.StoreReply{
			Key: req.Key, Opcode: opcode,
		}}
	}

	h.filter.Insert(raw)
	return wire.Message{Tag: wire.TagStoreReply, StoreReply: wire.StoreReply{
		Key: req.Key, Opcode: wire.StoreOK,
	}}
}

func (h *Handler) handleDelete(req wire.Delete) wire.Message {
	raw, ok := keyid.Decode(req.Key)
	if !ok {
		return wire.Message{Tag: wire.TagDeleteReply, DeleteReply: wire.DeleteReply{
			Key: req.Key, Opcode: wire.DeleteFailKeyFmt,
		}}
	}

	if !h.filter.Filter().Contains(raw) {
		return wire.Message{Tag: wire.TagDeleteReply, DeleteReply: wire.DeleteReply{
			Key: req.Key, Opcode: wire.DeleteFailNotFound,
		}}
	}

	if !keyid.AuthMatchesKey(req.Auth, req.Key) {
		return wire.Message{Tag: wire.TagDeleteReply, DeleteReply: wire.DeleteReply{
			Key: req.Key, Opcode: wire.DeleteFailAuth,
		}}
	}

	if _, err := h.blobs.Delete(raw); err != nil {
		// The filter said present and the blob map failed to delete; a
		// storage error here is treated as fatal per §7. Whether a row
		// was actually removed is not checked.
		panic(fmt.Sprintf("protocol: blob map delete failed for key present in filter: %v", err))
	}
	if err := h.filter.Remove(raw); err != nil {
		// Same reasoning: Contains just returned true for this exact
		// element, so Remove failing means the filter's internal state is
		// corrupted independent of this request.
		panic(fmt.Sprintf("protocol: filter corruption on delete: %v", err))
	}

	return wire.Message{Tag: wire.TagDeleteReply, DeleteReply: wire.DeleteReply{
		Key: req.Key, Opcode: wire.DeleteOK,
	}}
}

func (h *Handler) handleGet(req wire.Get) wire.Message {
	raw, ok := keyid.Decode(req.Key)
	if !ok {
		return wire.Message{Tag: wire.TagGetReply, GetReply: wire.GetReply{
			Key: req.Key, Opcode: wire.GetFailKeyFmt,
		}}
	}

	value, ok, err := h.blobs.Get(raw)
	if err != nil {
		h.log.Error("store get for key %s: %v", req.Key, err)
		return wire.Message{Tag: wire.TagGetReply, GetReply: wire.GetReply{
			Key: req.Key, Opcode: wire.GetFailUnknownKey,
		}}
	}
	if !ok {
		return wire.Message{Tag: wire.TagGetReply, GetReply: wire.GetReply{
			Key: req.Key, Opcode: wire.GetFailUnknownKey,
		}}
	}

	return wire.Message{Tag: wire.TagGetReply, GetReply: wire.GetReply{
		Key: req.Key, Opcode: wire.GetOK, Value: value,
	}}
}
