package telegram

// Telegram Bot API wire types, limited to the fields the bot reads.

// Update is one incoming update from getUpdates.
type Update struct {
	UpdateID int64      `json:"update_id"`
	Message  *TGMessage `json:"message,omitempty"`
}

// TGMessage is a Telegram message.
type TGMessage struct {
	MessageID       int64        `json:"message_id"`
	MessageThreadID int64        `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool         `json:"is_topic_message,omitempty"`
	From            *TGUser      `json:"from,omitempty"`
	Chat            TGChat       `json:"chat"`
	Date            int64        `json:"date"`
	Text            string       `json:"text,omitempty"`
	Caption         string       `json:"caption,omitempty"`
	Photo           []PhotoSize  `json:"photo,omitempty"`
	Video           *TGVideo     `json:"video,omitempty"`
	Audio           *TGAudio     `json:"audio,omitempty"`
	Voice           *TGVoice     `json:"voice,omitempty"`
	Document        *TGDocument  `json:"document,omitempty"`
	Sticker         *TGSticker   `json:"sticker,omitempty"`
	Animation       *TGAnimation `json:"animation,omitempty"`
	ReplyToMessage  *TGMessage   `json:"reply_to_message,omitempty"`
}

// TGChat is a Telegram chat. Type is "private", "group", "supergroup", or
// "channel".
type TGChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// TGUser is a Telegram user.
type TGUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// PhotoSize is one size of a photo. Telegram sends photos smallest first.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGVideo is a video attachment.
type TGVideo struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGAudio is an audio file attachment.
type TGAudio struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGVoice is a voice note.
type TGVoice struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGDocument is a general file attachment.
type TGDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGSticker is a sticker.
type TGSticker struct {
	FileID   string `json:"file_id"`
	Emoji    string `json:"emoji,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGAnimation is a GIF or H.264 animation.
type TGAnimation struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGFile is a file ready to be downloaded from Telegram servers.
type TGFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
}
