package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-redemptions/core"
)

const (
	defaultRequestTimeout   = 10 * time.Second
	maxProfileResponseBytes = 1 << 20 // 1 MiB
	defaultAPIBaseURL       = "https://api.steampowered.com"
	communityHost           = "steamcommunity.com"

	// individualAccountBase is the SteamID64 of account number zero in the
	// public universe.
	individualAccountBase uint64 = 76561197960265728

	ErrorProfileNotFound = "REDEMPTION_PROFILE_NOT_FOUND"
	ErrorLookupFailed    = "REDEMPTION_IDENTITY_LOOKUP_FAILED"
)

var (
	ErrProfileNotFound = errors.New("identity: profile not found")

	steamID64Pattern  = regexp.MustCompile(`^[0-9]{17}$`)
	legacyIDPattern   = regexp.MustCompile(`^STEAM_[0-5]:([01]):([0-9]{1,10})$`)
	steamID3Pattern   = regexp.MustCompile(`^\[U:1:([0-9]{1,10})\]$`)
	friendCodePattern = regexp.MustCompile(`^[A-Z0-9]{5}-[A-Z0-9]{4}$`)
	vanityPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{2,32}$`)
)

type ProfileNotFoundError struct {
	Input string
	Cause error
}

func (e *ProfileNotFoundError) Error() string {
	if e == nil || e.Cause == nil {
		return ErrProfileNotFound.Error()
	}
	return ErrProfileNotFound.Error() + ": " + e.Cause.Error()
}

func (e *ProfileNotFoundError) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return ErrProfileNotFound
	}
	return errors.Join(ErrProfileNotFound, e.Cause)
}

func (e *ProfileNotFoundError) ToServiceError() *goerrors.Error {
	message := ErrProfileNotFound.Error()
	if e != nil && e.Cause != nil {
		message = e.Error()
	}
	return goerrors.New(message, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorProfileNotFound)
}

func profileNotFound(input string, cause error) error {
	return &ProfileNotFoundError{Input: input, Cause: cause}
}

// lookupFailed marks upstream outages so the caller sees an external error
// instead of a rejected identity.
func lookupFailed(cause error) error {
	return goerrors.Wrap(cause, goerrors.CategoryExternal, "identity: profile lookup failed").
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorLookupFailed)
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// VanityLookup maps a custom profile name (steamcommunity.com/id/<name>) to
// a SteamID64.
type VanityLookup interface {
	ResolveVanity(ctx context.Context, name string) (string, error)
}

// FriendCodeLookup maps a short friend code (AAAAA-AAAA) to a SteamID64.
type FriendCodeLookup interface {
	ResolveFriendCode(ctx context.Context, code string) (string, error)
}

type Config struct {
	HTTPClient     HTTPDoer
	RequestTimeout time.Duration
	APIKey         string
	APIBaseURL     string
	Vanity         VanityLookup
	FriendCodes    FriendCodeLookup
}

// Resolver turns the many ways a user can name their platform account into
// a canonical SteamID64.
type Resolver struct {
	vanity      VanityLookup
	friendCodes FriendCodeLookup
}

func NewResolver(cfg Config) *Resolver {
	vanity := cfg.Vanity
	if vanity == nil && strings.TrimSpace(cfg.APIKey) != "" {
		vanity = NewWebAPILookup(cfg)
	}
	return &Resolver{vanity: vanity, friendCodes: cfg.FriendCodes}
}

func DefaultResolver() *Resolver {
	return NewResolver(Config{})
}

func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return "", profileNotFound(raw, fmt.Errorf("identity: input is required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if steamID64Pattern.MatchString(input) {
		return validateSteamID64(input)
	}
	if match := legacyIDPattern.FindStringSubmatch(input); match != nil {
		return fromAccountParts(input, match[2], match[1])
	}
	if match := steamID3Pattern.FindStringSubmatch(input); match != nil {
		return fromAccountNumber(input, match[1])
	}
	if kind, value, ok := parseProfileURL(input); ok {
		switch kind {
		case "profiles":
			return validateSteamID64(value)
		case "id":
			return r.resolveVanity(ctx, input, value)
		}
	}
	if friendCodePattern.MatchString(input) {
		return r.resolveFriendCode(ctx, input)
	}
	return "", profileNotFound(input, fmt.Errorf("identity: unrecognised account format"))
}

func (r *Resolver) resolveVanity(ctx context.Context, input string, name string) (string, error) {
	if r == nil || r.vanity == nil {
		return "", profileNotFound(input, fmt.Errorf("identity: vanity lookup is not configured"))
	}
	if !vanityPattern.MatchString(name) {
		return "", profileNotFound(input, fmt.Errorf("identity: invalid profile name %q", name))
	}
	id, err := r.vanity.ResolveVanity(ctx, name)
	if err != nil {
		return "", err
	}
	return validateSteamID64(id)
}

func (r *Resolver) resolveFriendCode(ctx context.Context, code string) (string, error) {
	if r == nil || r.friendCodes == nil {
		return "", profileNotFound(code, fmt.Errorf("identity: friend code lookup is not configured"))
	}
	id, err := r.friendCodes.ResolveFriendCode(ctx, code)
	if err != nil {
		return "", err
	}
	return validateSteamID64(id)
}

func parseProfileURL(input string) (string, string, bool) {
	if !strings.Contains(strings.ToLower(input), communityHost) {
		return "", "", false
	}
	candidate := input
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", "", false
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	if host != communityHost {
		return "", "", false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 {
		return "", "", false
	}
	kind := strings.ToLower(segments[0])
	if kind != "id" && kind != "profiles" {
		return "", "", false
	}
	value := strings.TrimSpace(segments[1])
	if value == "" {
		return "", "", false
	}
	return kind, value, true
}

func validateSteamID64(value string) (string, error) {
	value = strings.TrimSpace(value)
	if !steamID64Pattern.MatchString(value) {
		return "", profileNotFound(value, fmt.Errorf("identity: %q is not a SteamID64", value))
	}
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil || id <= individualAccountBase {
		return "", profileNotFound(value, fmt.Errorf("identity: %q is not an individual account", value))
	}
	return value, nil
}

func fromAccountParts(input string, number string, parity string) (string, error) {
	z, err := strconv.ParseUint(number, 10, 32)
	if err != nil {
		return "", profileNotFound(input, err)
	}
	y, _ := strconv.ParseUint(parity, 10, 1)
	return validateSteamID64(strconv.FormatUint(individualAccountBase+z*2+y, 10))
}

func fromAccountNumber(input string, number string) (string, error) {
	account, err := strconv.ParseUint(number, 10, 32)
	if err != nil {
		return "", profileNotFound(input, err)
	}
	return validateSteamID64(strconv.FormatUint(individualAccountBase+account, 10))
}

// WebAPILookup resolves vanity names through ISteamUser/ResolveVanityURL.
type WebAPILookup struct {
	httpClient     HTTPDoer
	requestTimeout time.Duration
	apiKey         string
	baseURL        string
}

func NewWebAPILookup(cfg Config) *WebAPILookup {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &WebAPILookup{
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		apiKey:         strings.TrimSpace(cfg.APIKey),
		baseURL:        baseURL,
	}
}

type resolveVanityResponse struct {
	Response struct {
		SteamID string `json:"steamid"`
		Success int    `json:"success"`
		Message string `json:"message"`
	} `json:"response"`
}

func (l *WebAPILookup) ResolveVanity(ctx context.Context, name string) (string, error) {
	if l == nil {
		return "", lookupFailed(fmt.Errorf("identity: web api lookup is nil"))
	}
	requestCtx := ctx
	cancel := func() {}
	if l.requestTimeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, l.requestTimeout)
	}
	defer cancel()

	query := url.Values{}
	query.Set("key", l.apiKey)
	query.Set("vanityurl", name)
	endpoint := l.baseURL + "/ISteamUser/ResolveVanityURL/v0001/?" + query.Encode()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", lookupFailed(err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := l.httpClient.Do(req)
	if err != nil {
		return "", lookupFailed(err)
	}
	defer res.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(res.Body, maxProfileResponseBytes+1))
	if readErr != nil {
		return "", lookupFailed(fmt.Errorf("identity: read vanity response: %w", readErr))
	}
	if int64(len(body)) > maxProfileResponseBytes {
		return "", lookupFailed(fmt.Errorf("identity: vanity response exceeds %d bytes", maxProfileResponseBytes))
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return "", lookupFailed(fmt.Errorf("identity: vanity endpoint returned status %d", res.StatusCode))
	}
	var payload resolveVanityResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", lookupFailed(fmt.Errorf("identity: decode vanity response: %w", err))
	}
	if payload.Response.Success != 1 || strings.TrimSpace(payload.Response.SteamID) == "" {
		message := strings.TrimSpace(payload.Response.Message)
		if message == "" {
			message = "no match"
		}
		return "", profileNotFound(name, fmt.Errorf("identity: vanity %q: %s", name, message))
	}
	return strings.TrimSpace(payload.Response.SteamID), nil
}

var (
	_ core.IdentityResolver = (*Resolver)(nil)
	_ VanityLookup          = (*WebAPILookup)(nil)
)
