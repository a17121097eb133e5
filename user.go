package flagkit

import (
	"context"
	"encoding/json"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/dmitrymomot/flagkit/pkg/configcache"
)

// Version is the SDK version reported to the service.
const Version = "1.0.0"

const anonymousIDKey = "ANONYMOUS_USER_ID"

// User describes the person or device the SDK evaluates flags for. Leave
// UserID empty to use an anonymous identity: the SDK generates an id and
// persists it so the same anonymous user is recognized across restarts.
type User struct {
	UserID            string
	Email             string
	Name              string
	Language          string
	Country           string
	AppVersion        string
	AppBuild          int64
	CustomData        map[string]any
	PrivateCustomData map[string]any
}

// populatedUser is the immutable per-fetch identity: the caller-supplied
// fields enriched with platform info and timestamps. A new identify or reset
// produces a new value; the client swaps its current user only after a fetch
// using that value succeeds.
type populatedUser struct {
	UserID            string         `json:"user_id"`
	IsAnonymous       bool           `json:"isAnonymous"`
	Email             string         `json:"email,omitempty"`
	Name              string         `json:"name,omitempty"`
	Language          string         `json:"language,omitempty"`
	Country           string         `json:"country,omitempty"`
	AppVersion        string         `json:"appVersion,omitempty"`
	AppBuild          int64          `json:"appBuild,omitempty"`
	CustomData        map[string]any `json:"customData,omitempty"`
	PrivateCustomData map[string]any `json:"privateCustomData,omitempty"`
	CreatedDate       int64          `json:"createdDate"`
	LastSeenDate      int64          `json:"lastSeenDate"`
	Platform          string         `json:"platform"`
	PlatformVersion   string         `json:"platformVersion"`
	DeviceModel       string         `json:"deviceModel"`
	SDKType           string         `json:"sdkType"`
	SDKVersion        string         `json:"sdkVersion"`
}

// populateUser finalizes the identity: a user without an id becomes
// anonymous with a stable generated id; a user with an id is identified.
func populateUser(ctx context.Context, user User, cache *configcache.Cache) populatedUser {
	userID := user.UserID
	anonymous := false
	if userID == "" {
		userID = getOrCreateAnonymousID(ctx, cache)
		anonymous = true
	}

	now := time.Now().UnixMilli()
	return populatedUser{
		UserID:            userID,
		IsAnonymous:       anonymous,
		Email:             user.Email,
		Name:              user.Name,
		Language:          normalizeLanguage(user.Language),
		Country:           user.Country,
		AppVersion:        user.AppVersion,
		AppBuild:          user.AppBuild,
		CustomData:        user.CustomData,
		PrivateCustomData: user.PrivateCustomData,
		CreatedDate:       now,
		LastSeenDate:      now,
		Platform:          "Go",
		PlatformVersion:   runtime.Version(),
		DeviceModel:       runtime.GOOS + "/" + runtime.GOARCH,
		SDKType:           "client",
		SDKVersion:        Version,
	}
}

// merge applies an in-place profile update for the same user id, keeping the
// identity and creation fields and refreshing the last-seen timestamp.
func (u populatedUser) merge(update User) (populatedUser, error) {
	if u.UserID != update.UserID {
		return u, ErrUserIDMismatch
	}
	merged := u
	merged.Email = update.Email
	merged.Name = update.Name
	merged.Country = update.Country
	merged.CustomData = update.CustomData
	merged.PrivateCustomData = update.PrivateCustomData
	merged.LastSeenDate = time.Now().UnixMilli()
	return merged, nil
}

// queryParams flattens the user into the config request's query string.
// Custom data maps are JSON-encoded into single parameters.
func (u populatedUser) queryParams() url.Values {
	q := url.Values{}
	q.Set("user_id", u.UserID)
	q.Set("isAnonymous", strconv.FormatBool(u.IsAnonymous))
	setIf := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	setIf("email", u.Email)
	setIf("name", u.Name)
	setIf("language", u.Language)
	setIf("country", u.Country)
	setIf("appVersion", u.AppVersion)
	if u.AppBuild > 0 {
		q.Set("appBuild", strconv.FormatInt(u.AppBuild, 10))
	}
	if len(u.CustomData) > 0 {
		if data, err := json.Marshal(u.CustomData); err == nil {
			q.Set("customData", string(data))
		}
	}
	if len(u.PrivateCustomData) > 0 {
		if data, err := json.Marshal(u.PrivateCustomData); err == nil {
			q.Set("privateCustomData", string(data))
		}
	}
	q.Set("createdDate", strconv.FormatInt(u.CreatedDate, 10))
	q.Set("lastSeenDate", strconv.FormatInt(u.LastSeenDate, 10))
	q.Set("platform", u.Platform)
	q.Set("platformVersion", u.PlatformVersion)
	q.Set("deviceModel", u.DeviceModel)
	q.Set("sdkType", u.SDKType)
	q.Set("sdkVersion", u.SDKVersion)
	return q
}

// getOrCreateAnonymousID returns the persisted anonymous id, generating and
// persisting a fresh one on first use so anonymous identity is stable across
// process restarts.
func getOrCreateAnonymousID(ctx context.Context, cache *configcache.Cache) string {
	if id, ok := cache.GetString(ctx, anonymousIDKey); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	if err := cache.SaveString(ctx, anonymousIDKey, id); err != nil {
		// Worst case the id regenerates next start; bucketing still works.
		return id
	}
	return id
}

// normalizeLanguage canonicalizes the user-supplied language to its ISO
// 639-1 base form ("en-US" -> "en"). Unparseable input is passed through
// untouched so the server can decide what to do with it.
func normalizeLanguage(lang string) string {
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	base, _ := tag.Base()
	return base.String()
}
