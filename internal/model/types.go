package model

import "time"

// Handle is a single address (phone number or email) found in the
// handle table. Immutable after load.
type Handle struct {
	ID              int64
	Address         string
	Service         string
	PersonCentricID *string
}

// Chatroom is one chat.db conversation row. DisplayName may be empty;
// ServiceHint is the service_name column, which may also be empty for
// older rows.
type Chatroom struct {
	ID          int64
	GUID        string
	IsGroup     bool
	DisplayName string
	ServiceHint string
	Participants []int64 // handle ids, in chat_handle_join order
}

// AssociatedKind is the closed classification of a message's
// associated_message_type (spec §4.5).
type AssociatedKind int

const (
	AssociatedNone AssociatedKind = iota
	AssociatedReactionAdd
	AssociatedReactionRemove
	AssociatedSticker
	AssociatedAppResponse
)

// TapbackVariant enumerates the six legacy reaction kinds.
type TapbackVariant int

const (
	TapbackLove TapbackVariant = iota
	TapbackLike
	TapbackDislike
	TapbackLaugh
	TapbackEmphasize
	TapbackQuestion
)

var tapbackNames = [...]string{"Loved", "Liked", "Disliked", "Laughed at", "Emphasized", "Questioned"}

// Label returns the human-facing verb used when rendering a reaction,
// e.g. "Loved by Jane".
func (v TapbackVariant) Label() string {
	if int(v) < 0 || int(v) >= len(tapbackNames) {
		return "Reacted to"
	}
	return tapbackNames[v]
}

// Message is a single event row from the message table, joined with
// enough context to classify and render it. Blob fields are decoded
// lazily by the assembler; see AssembledMessage for the resolved form.
type Message struct {
	RowID   int64
	GUID    string
	ChatID  int64
	IsFromMe bool
	HandleID *int64

	DateSent      time.Time
	DateDelivered time.Time
	DateRead      time.Time

	ItemType   int
	Service    string
	BundleID   string

	Delivered bool
	Read      bool
	Finished  bool
	System    bool
	Audio     bool
	Played    bool
	Edited    bool
	Unsent    bool
	Spam      bool

	ReplyToGUID        string
	ReplyToPart        int
	ExpressiveEffectID string

	AssociatedMessageType int
	AssociatedMessageGUID string
	AssociatedPartRange   int

	TextColumn string
	TextRunsBlob []byte
	PayloadBlob  []byte
	SummaryBlob  []byte
}

// IsAssociated reports whether this message is a tapback/sticker/edit
// attached to another message rather than a primary message (spec §3).
func (m *Message) IsAssociated() bool { return m.AssociatedMessageType != 0 }

// Part is one sub-range of a message's text, split on U+FFFC boundaries.
type Part struct {
	Index      int
	Text       string
	Attachment *Attachment // nil for plain text parts
	Balloon    Balloon     // nil unless this slot is an app balloon
}

// Attachment is a blob referenced by a message.
type Attachment struct {
	ID          int64
	GUID        string
	Filename    string // may be tilde-prefixed, per chat.db convention
	UTI         string
	MimeType    string
	TotalBytes  int64
	IsSticker   bool
	Hidden      bool
	TransferState int
	Outgoing      bool
	StickerInfoBlob []byte

	// ResolvedPath is filled in by the attachment placement policy (C8)
	// once it decides where the final bytes live.
	ResolvedPath string
	Missing      bool

	// ConversionNote is set when a requested HEIC->JPEG conversion
	// failed and C8 fell back to a raw copy, so the renderer can
	// annotate the message rather than silently showing a HEIC file.
	ConversionNote string
}

// Reaction is a synthesised view: a tapback message projected against
// its target message and part.
type Reaction struct {
	Variant   TapbackVariant
	Remove    bool
	SenderHandleID *int64 // nil means from-me
	SentAt    time.Time
	TargetGUID string
	TargetPart int
	SourceRowID int64 // for tie-break ordering (ascending)
}

// EditEntry is one entry in a message's edit history (spec §3).
type EditEntry struct {
	EditedAt time.Time
	Text     string
	Runs     []Run
	Unsent   bool
}

// Balloon is the closed variant set produced by C3. Implementations are
// found in package balloon; this interface lets model and render depend
// on the shape without importing balloon's decoding logic.
type Balloon interface {
	BalloonKind() string
}

// Run is re-exported from typedstream at the model layer so that
// Part/EditEntry can reference attribute runs without importing the
// decoder package into every consumer.
type Run struct {
	Start, Length int
	Attributes    map[string]any
}
