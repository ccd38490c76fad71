package contact

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrMediaNotFound   = errors.New("conversation media not found")
)

// Contact is the subset of a contact record the job pipeline reads.
type Contact struct {
	ID             int64     `json:"id"`
	AccountID      string    `json:"accountId"`
	TaskID         string    `json:"taskId"`
	Channel        string    `json:"channel"`
	ChannelSID     string    `json:"channelSid"`
	ServiceSID     string    `json:"serviceSid"`
	TwilioWorkerID string    `json:"twilioWorkerId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Location addresses an object in the document store.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l Location) IsZero() bool {
	return l.Bucket == "" && l.Key == ""
}

type MediaType string

const (
	MediaTranscript         MediaType = "transcript"
	MediaScrubbedTranscript MediaType = "scrubbed-transcript"
)

const StoreTypeS3 = "S3"

type Media struct {
	ID                    int64           `json:"id"`
	AccountID             string          `json:"accountId"`
	ContactID             int64           `json:"contactId"`
	StoreType             string          `json:"storeType"`
	MediaType             MediaType       `json:"mediaType"`
	StoreTypeSpecificData json.RawMessage `json:"storeTypeSpecificData"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// S3MediaData is the store_type_specific_data shape of S3 media.
type S3MediaData struct {
	Type     MediaType `json:"type"`
	Location *Location `json:"location,omitempty"`
}
