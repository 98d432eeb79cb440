package agora

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/agora-chat/agora/utilities/keyring"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gookit/validate"
)

// Message kinds
const (
	MessageTypeText     = "text"     // Plain chat message
	MessageTypeThread   = "thread"   // Reply within a thread (TargetID = parent message)
	MessageTypeReaction = "reaction" // Emoji reaction (TargetID = reacted message)
)

var ErrInvalidPayload = errors.New("payload failed validation")

// Message is a chat message as written to the sender's own feed.
//
// Messages are immutable once signed: the signature covers the identity, the
// content, and the feed position, so anyone can verify that the entry at
// feed index N was authored by the owner of the address and hasn't been
// rewritten.
type Message struct {
	ID        string         `json:"id" validate:"required"`
	Type      string         `json:"type" validate:"required|in:text,thread,reaction"`
	TargetID  string         `json:"target_id,omitempty"`
	Text      string         `json:"text"`
	Address   types.Address  `json:"address" validate:"required"`
	Username  types.UserName `json:"username" validate:"required"`
	PublicKey string         `json:"pub_key" validate:"required"`
	Ts        int64          `json:"ts" validate:"required"` // unix ms
	Signature string         `json:"sig,omitempty"`
	Index     int64          `json:"index"`
	ChatTopic types.Topic    `json:"chat_topic,omitempty"`
	UserTopic string         `json:"user_topic,omitempty"`
}

// NewMessage builds an unsigned message. id may be empty, in which case a
// fresh UUID is assigned; threads and reactions set targetID to the message
// they refer to.
func NewMessage(messageType, text, targetID string, id string, username types.UserName, address types.Address, topic types.Topic) Message {
	if id == "" {
		id = uuid.NewString()
	}
	return Message{
		ID:        id,
		Type:      messageType,
		TargetID:  targetID,
		Text:      text,
		Address:   address,
		Username:  username,
		Ts:        time.Now().UnixMilli(),
		ChatTopic: topic,
	}
}

// ContentString returns the canonical string for signing. Everything that
// makes the message *this* message is included; the signature itself is not.
func (m *Message) ContentString() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%d:%d:%s:%s", m.ID, m.Type, m.TargetID, m.Text, m.Address, m.Username, m.Ts, m.Index, m.ChatTopic, m.UserTopic)
}

func (m *Message) signableData() []byte {
	digest := sha256.Sum256([]byte(m.ContentString()))
	return digest[:]
}

// Sign seals the message with the sender's keypair. Must be called after the
// feed index is assigned; the index is part of the signed content.
func (m *Message) Sign(kp Keypair) {
	m.PublicKey = FormatPublicKey(kp.PublicKey)
	m.Signature = kp.SignBase64(m.signableData())
}

// Verify checks that the embedded public key hashes to the claimed address
// and that the signature matches the content.
func (m *Message) Verify() bool {
	if m.Signature == "" || m.PublicKey == "" {
		return false
	}
	return VerifyAddressed(m.Address, m.PublicKey, m.signableData(), m.Signature)
}

// VerifyWith is Verify backed by a key cache. A key already bound to the
// address skips the parse-and-hash work; a key seen for the first time is
// cached after the full check passes. Draining a feed verifies many
// messages from the same sender, so the cache pays for itself quickly.
func (m *Message) VerifyWith(keys *keyring.Keyring) bool {
	if keys == nil {
		return m.Verify()
	}
	if m.Signature == "" || m.PublicKey == "" {
		return false
	}
	if cached := keys.Lookup(m.Address); cached != nil {
		return VerifySignatureBase64(cached, m.signableData(), m.Signature)
	}
	if !m.Verify() {
		return false
	}
	_ = keys.RegisterBase64(m.Address, m.PublicKey)
	return true
}

// Validate runs schema validation plus the type-specific rules the tags
// can't express.
func (m *Message) Validate() error {
	v := validate.Struct(m)
	if !v.Validate() {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, v.Errors.One())
	}
	switch m.Type {
	case MessageTypeThread, MessageTypeReaction:
		if m.TargetID == "" {
			return fmt.Errorf("%w: %s message without target_id", ErrInvalidPayload, m.Type)
		}
	case MessageTypeText:
		if m.Text == "" {
			return fmt.Errorf("%w: text message without text", ErrInvalidPayload)
		}
	}
	return nil
}

// Encode serializes the message for a feed entry.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses, schema-validates and signature-checks a feed entry.
// Anything that fails any of the three steps is rejected with
// ErrInvalidPayload; feed payloads are untrusted input.
func DecodeMessage(data []byte) (Message, error) {
	return DecodeMessageWith(data, nil)
}

// DecodeMessageWith is DecodeMessage verifying against a key cache.
func DecodeMessageWith(data []byte, keys *keyring.Keyring) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	if !m.VerifyWith(keys) {
		return Message{}, fmt.Errorf("%w: bad signature from %s", ErrInvalidPayload, m.Address)
	}
	return m, nil
}

// UserAnnouncement is the presence payload gossiped on the users resource.
// Index advertises the sender's latest feed position so readers know where
// to look for new messages; -1 means the sender hasn't posted yet.
type UserAnnouncement struct {
	Address   types.Address  `json:"address" validate:"required"`
	Username  types.UserName `json:"username" validate:"required"`
	PublicKey string         `json:"pub_key" validate:"required"`
	Ts        int64          `json:"ts" validate:"required"` // unix ms
	Index     int64          `json:"index"`
	Signature string         `json:"sig,omitempty"`
}

// NewUserAnnouncement builds an unsigned announcement for the local user.
func NewUserAnnouncement(username types.UserName, address types.Address, index int64) UserAnnouncement {
	return UserAnnouncement{
		Address:  address,
		Username: username,
		Ts:       time.Now().UnixMilli(),
		Index:    index,
	}
}

// ContentString returns the canonical string for signing.
func (a *UserAnnouncement) ContentString() string {
	return fmt.Sprintf("%s:%s:%d:%d", a.Address, a.Username, a.Ts, a.Index)
}

func (a *UserAnnouncement) signableData() []byte {
	digest := sha256.Sum256([]byte(a.ContentString()))
	return digest[:]
}

// Sign seals the announcement with the sender's keypair.
func (a *UserAnnouncement) Sign(kp Keypair) {
	a.PublicKey = FormatPublicKey(kp.PublicKey)
	a.Signature = kp.SignBase64(a.signableData())
}

// Verify checks address ownership and signature.
func (a *UserAnnouncement) Verify() bool {
	if a.Signature == "" || a.PublicKey == "" {
		return false
	}
	return VerifyAddressed(a.Address, a.PublicKey, a.signableData(), a.Signature)
}

// Validate runs schema validation.
func (a *UserAnnouncement) Validate() error {
	v := validate.Struct(a)
	if !v.Validate() {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, v.Errors.One())
	}
	return nil
}

// Encode serializes the announcement for broadcast.
func (a *UserAnnouncement) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// ToActiveUser converts a verified announcement into its roster entry.
func (a *UserAnnouncement) ToActiveUser() ActiveUser {
	return ActiveUser{
		Address:  a.Address,
		Username: a.Username,
		Ts:       a.Ts,
		Index:    a.Index,
	}
}

// DecodeUserAnnouncement parses, schema-validates and signature-checks a
// presence payload from the broadcast layer.
func DecodeUserAnnouncement(data []byte) (UserAnnouncement, error) {
	var a UserAnnouncement
	if err := json.Unmarshal(data, &a); err != nil {
		return UserAnnouncement{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := a.Validate(); err != nil {
		return UserAnnouncement{}, err
	}
	if !a.Verify() {
		return UserAnnouncement{}, fmt.Errorf("%w: bad signature from %s", ErrInvalidPayload, a.Address)
	}
	return a, nil
}
