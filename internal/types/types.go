package types

import "time"

// Platform represents supported platforms
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformTikTok    Platform = "tiktok"
	PlatformWeibo     Platform = "weibo"
	PlatformUnknown   Platform = "unknown"

	// PlatformAll scopes a fingerprint to every platform
	PlatformAll Platform = "all"
)

// SupportedPlatforms lists every platform with an extractor chain
var SupportedPlatforms = []Platform{
	PlatformFacebook,
	PlatformInstagram,
	PlatformTwitter,
	PlatformTikTok,
	PlatformWeibo,
}

// IsSupported reports whether p has an extractor chain
func (p Platform) IsSupported() bool {
	for _, s := range SupportedPlatforms {
		if s == p {
			return true
		}
	}
	return false
}

// MediaType is the kind of a downloadable variant
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
	MediaAudio MediaType = "audio"
)

// MediaFormat is one downloadable variant of a post
type MediaFormat struct {
	Quality   string    `json:"quality"`             // HD 720p, SD 480p, Original
	Type      MediaType `json:"type"`                // video, image, audio
	URL       string    `json:"url"`                 // Direct CDN URL
	Thumbnail string    `json:"thumbnail,omitempty"` // Preview image
	ItemID    string    `json:"itemId,omitempty"`    // Carousel slide / story index
	Filename  string    `json:"filename,omitempty"`
	Size      int64     `json:"size,omitempty"`
	HasAudio  *bool     `json:"hasAudio,omitempty"`
}

// Engagement holds the public counters of a post
type Engagement struct {
	Views     int64 `json:"views,omitempty"`
	Likes     int64 `json:"likes,omitempty"`
	Comments  int64 `json:"comments,omitempty"`
	Shares    int64 `json:"shares,omitempty"`
	Bookmarks int64 `json:"bookmarks,omitempty"`
}

// ExtractionResult is the normalized outcome of resolving one URL
type ExtractionResult struct {
	Success        bool          `json:"success"`
	Platform       Platform      `json:"platform,omitempty"`
	URL            string        `json:"url,omitempty"`
	Title          string        `json:"title,omitempty"`
	Thumbnail      string        `json:"thumbnail,omitempty"`
	Author         string        `json:"author,omitempty"`
	Description    string        `json:"description,omitempty"`
	Formats        []MediaFormat `json:"formats,omitempty"`
	Engagement     *Engagement   `json:"engagement,omitempty"`
	UsedCookie     bool          `json:"usedCookie"`
	Cached         bool          `json:"cached"`
	Strategy       string        `json:"strategy,omitempty"` // Strategy that produced the formats
	ResponseTimeMs int64         `json:"responseTimeMs"`
	ErrorCode      string        `json:"errorCode,omitempty"`
	Message        string        `json:"message,omitempty"`
}

// Tier controls which requests may use a credential
type Tier string

const (
	TierPublic  Tier = "public"
	TierPrivate Tier = "private"
)

// CredentialStatus is the health state of a credential
type CredentialStatus string

const (
	StatusHealthy  CredentialStatus = "healthy"
	StatusCooldown CredentialStatus = "cooldown"
	StatusExpired  CredentialStatus = "expired"
	StatusDisabled CredentialStatus = "disabled"
)

// CredentialOutcome is what a resolution reports back to the credential pool
type CredentialOutcome string

const (
	OutcomeSuccess     CredentialOutcome = "success"
	OutcomeRateLimited CredentialOutcome = "rate_limited"
	OutcomeExpired     CredentialOutcome = "expired"
	OutcomeOtherError  CredentialOutcome = "other_error"
)

// Credential is an authenticated session (cookie) for one platform
type Credential struct {
	ID             string           `json:"id"`
	Platform       Platform         `json:"platform"`
	Tier           Tier             `json:"tier"`
	OwnerID        string           `json:"ownerId,omitempty"` // Principal owning a private credential
	Label          string           `json:"label,omitempty"`
	Secret         string           `json:"-"` // Raw cookie header value
	Status         CredentialStatus `json:"status"`
	UseCount       int64            `json:"useCount"`
	SuccessCount   int64            `json:"successCount"`
	ErrorCount     int64            `json:"errorCount"`
	CooldownUntil  *time.Time       `json:"cooldownUntil,omitempty"`
	MaxUsesPerHour int              `json:"maxUsesPerHour"` // 0 means unlimited
	LastError      string           `json:"lastError,omitempty"`
	LastUsedAt     *time.Time       `json:"lastUsedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Device types of a fingerprint
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
)

// Fingerprint is a browser profile whose headers are sent upstream
type Fingerprint struct {
	ID              string   `json:"id"`
	Platform        Platform `json:"platform"` // A platform or PlatformAll
	UserAgent       string   `json:"userAgent"`
	SecChUa         string   `json:"secChUa,omitempty"`
	SecChUaPlatform string   `json:"secChUaPlatform,omitempty"`
	SecChUaMobile   string   `json:"secChUaMobile,omitempty"`
	AcceptLanguage  string   `json:"acceptLanguage,omitempty"`
	Browser         string   `json:"browser,omitempty"`
	DeviceType      string   `json:"deviceType,omitempty"` // desktop, mobile
	Priority        int      `json:"priority"`
	Enabled         bool     `json:"enabled"`
	UseCount        int64    `json:"useCount"`
	SuccessCount    int64    `json:"successCount"`
	ErrorCount      int64    `json:"errorCount"`
	LastError       string   `json:"lastError,omitempty"`
}

// Headers renders the fingerprint as request headers, skipping empty values
func (f *Fingerprint) Headers() map[string]string {
	h := map[string]string{"User-Agent": f.UserAgent}
	if f.AcceptLanguage != "" {
		h["Accept-Language"] = f.AcceptLanguage
	}
	if f.SecChUa != "" {
		h["Sec-Ch-Ua"] = f.SecChUa
	}
	if f.SecChUaPlatform != "" {
		h["Sec-Ch-Ua-Platform"] = f.SecChUaPlatform
	}
	if f.SecChUaMobile != "" {
		h["Sec-Ch-Ua-Mobile"] = f.SecChUaMobile
	}
	return h
}

// ServiceStats are the running counters of one platform
type ServiceStats struct {
	TotalRequests     int64   `json:"totalRequests"`
	SuccessCount      int64   `json:"successCount"`
	ErrorCount        int64   `json:"errorCount"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
}

// PlatformServiceConfig is the operator-editable switchboard for one platform
type PlatformServiceConfig struct {
	Platform           Platform     `json:"platform"`
	Enabled            bool         `json:"enabled"`
	RateLimitPerMinute int          `json:"rateLimitPerMinute"` // 0 means unlimited
	CacheTTLSeconds    int          `json:"cacheTtlSeconds"`    // 0 means platform default
	DisabledMessage    string       `json:"disabledMessage,omitempty"`
	Stats              ServiceStats `json:"stats"`
}

// GlobalSettings holds process-wide switches
type GlobalSettings struct {
	MaintenanceMode    bool   `json:"maintenanceMode"`
	MaintenanceMessage string `json:"maintenanceMessage,omitempty"`
}

// JobStatus represents the current state of a batch resolution job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ResolveJob is one URL of a batch submitted through the queue
type ResolveJob struct {
	ID          string            `json:"id"`
	BatchID     string            `json:"batchId,omitempty"`
	URL         string            `json:"url"`
	PrincipalID string            `json:"principalId,omitempty"`
	Status      JobStatus         `json:"status"`
	Result      *ExtractionResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
