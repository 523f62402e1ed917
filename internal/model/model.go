package model

import "time"

// DefaultColor is used when neither the user nor the feed supplies one.
const DefaultColor uint32 = 0xFF03A9F4

// Validators are the HTTP cache validators remembered from the last
// successful fetch and replayed as If-None-Match / If-Modified-Since.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Empty reports whether neither validator is known.
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Subscription is one remote (or local content) calendar feed.
//
// URL never carries userinfo and never uses the webcal/webcals schemes;
// both are normalized away before a record is created.
type Subscription struct {
	ID          int64   `json:"id" db:"id"`
	URL         string  `json:"url" db:"url"`
	DisplayName string  `json:"display_name" db:"display_name"`
	Color       *uint32 `json:"color,omitempty" db:"color"`

	IgnoreEmbeddedAlerts      bool   `json:"ignore_embedded_alerts" db:"ignore_embedded_alerts"`
	DefaultAlarmMinutes       *int   `json:"default_alarm_minutes,omitempty" db:"default_alarm_minutes"`
	DefaultAllDayAlarmMinutes *int   `json:"default_all_day_alarm_minutes,omitempty" db:"default_all_day_alarm_minutes"`
	SyncIntervalSeconds       *int64 `json:"sync_interval_seconds,omitempty" db:"sync_interval_seconds"`

	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
	FailureKind  string `json:"failure_kind,omitempty" db:"failure_kind"`

	Validators Validators `json:"validators"`

	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Credential holds HTTP Basic credentials for one subscription.
type Credential struct {
	SubscriptionID int64  `json:"subscription_id"`
	Username       string `json:"username"`
	Password       string `json:"-"`
}

// SubscriptionFields carries the user-editable part of a Subscription.
type SubscriptionFields struct {
	URL                       string  `json:"url"`
	DisplayName               string  `json:"display_name"`
	Color                     *uint32 `json:"color,omitempty"`
	IgnoreEmbeddedAlerts      bool    `json:"ignore_embedded_alerts"`
	DefaultAlarmMinutes       *int    `json:"default_alarm_minutes,omitempty"`
	DefaultAllDayAlarmMinutes *int    `json:"default_all_day_alarm_minutes,omitempty"`
	SyncIntervalSeconds       *int64  `json:"sync_interval_seconds,omitempty"`
}

// CredentialForm is the credential section of an add/edit request.
type CredentialForm struct {
	RequiresAuth bool   `json:"requires_auth"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
}

// Dirty reports whether applying f would change the stored credential
// original (nil when none is stored).
func (f CredentialForm) Dirty(original *Credential) bool {
	if f.RequiresAuth != (original != nil) {
		return true
	}
	if !f.RequiresAuth {
		return false
	}
	return f.Username != original.Username || f.Password != original.Password
}

// Credential converts the form into a stored credential, or nil when
// authentication is off.
func (f CredentialForm) Credential(subscriptionID int64) *Credential {
	if !f.RequiresAuth {
		return nil
	}
	return &Credential{SubscriptionID: subscriptionID, Username: f.Username, Password: f.Password}
}

// EventKey identifies a stored event within one subscription. RecurrenceID
// is empty for the master component of a series.
type EventKey struct {
	UID          string `json:"uid"`
	RecurrenceID string `json:"recurrence_id,omitempty"`
}

// Event is a VEVENT as stored for a subscription, after alarm overrides.
type Event struct {
	SubscriptionID int64 `json:"subscription_id"`
	EventKey

	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	AllDay  bool      `json:"all_day"`
	RRule   string    `json:"rrule,omitempty"`

	// Data is the serialized VEVENT; Hash is its hex SHA-256.
	Data string `json:"-"`
	Hash string `json:"hash"`
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SubscriptionID int64  `json:"subscription_id"`
	UID            string `json:"uid"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string `json:"instance_key"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	AllDay bool `json:"all_day"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
