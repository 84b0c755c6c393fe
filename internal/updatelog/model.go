package updatelog

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidUpdate indicates an update payload that cannot be stored.
	ErrInvalidUpdate = errors.New("updatelog: invalid update")
)

// Update is one client edit as carried on the wire and in the log: the
// authoring client, an opaque serialized change, and optional opaque effect
// payloads (presence and similar ephemeral riders).
type Update struct {
	ClientID string            `json:"clientID"`
	Changes  json.RawMessage   `json:"changes"`
	Effects  []json.RawMessage `json:"effects,omitempty"`
}

// Validate checks the fields required before an update may be appended.
func (u Update) Validate() error {
	if u.ClientID == "" {
		return fmt.Errorf("%w: empty client id", ErrInvalidUpdate)
	}
	if len(u.Changes) == 0 {
		return fmt.Errorf("%w: empty changes payload", ErrInvalidUpdate)
	}
	return nil
}

// VersionedUpdate pairs an update with the version it produced.
type VersionedUpdate struct {
	Version int64
	Update  Update
}

// Record is the persisted form of one appended update. Records are immutable
// once written; trim is the only operation that removes them.
type Record struct {
	DocID        string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Version      int64  `gorm:"column:version;primaryKey;autoIncrement:false;not null"`
	ClientID     string `gorm:"column:client_id;size:190;not null"`
	ChangesJSON  string `gorm:"column:changes_json;type:text;not null"`
	EffectsJSON  string `gorm:"column:effects_json;type:text;not null;default:''"`
	AppendedAtMs int64  `gorm:"column:appended_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "update_records"
}

// Head tracks the highest version ever appended for a document. It survives
// trims, so a conditional append stays anchored even after the records it
// would compare against have been folded into a checkpoint.
type Head struct {
	DocID   string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Version int64  `gorm:"column:version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Head) TableName() string {
	return "update_heads"
}

func recordFromUpdate(docID string, version int64, update Update, appendedAtMs int64) (Record, error) {
	if err := update.Validate(); err != nil {
		return Record{}, err
	}
	effectsJSON := ""
	if len(update.Effects) > 0 {
		encoded, err := json.Marshal(update.Effects)
		if err != nil {
			return Record{}, fmt.Errorf("%w: effects not serializable: %v", ErrInvalidUpdate, err)
		}
		effectsJSON = string(encoded)
	}
	return Record{
		DocID:        docID,
		Version:      version,
		ClientID:     update.ClientID,
		ChangesJSON:  string(update.Changes),
		EffectsJSON:  effectsJSON,
		AppendedAtMs: appendedAtMs,
	}, nil
}

func (r Record) toVersionedUpdate() (VersionedUpdate, error) {
	update := Update{
		ClientID: r.ClientID,
		Changes:  json.RawMessage(r.ChangesJSON),
	}
	if r.EffectsJSON != "" {
		if err := json.Unmarshal([]byte(r.EffectsJSON), &update.Effects); err != nil {
			return VersionedUpdate{}, fmt.Errorf("%w: stored effects corrupt: %v", ErrInvalidUpdate, err)
		}
	}
	return VersionedUpdate{Version: r.Version, Update: update}, nil
}
