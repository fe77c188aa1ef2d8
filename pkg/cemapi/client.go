package cemapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultBaseURL is the production CEM API endpoint. Every operation is one
// numeric id on the same path.
const DefaultBaseURL = "https://cemapi.unimonitor.eu/api"

// RequestTimeout bounds every single HTTP request, independent of the retry
// budget. A timeout is classified retryable-network and consumed by the
// retrier's attempts, never an unbounded hang.
const RequestTimeout = 20 * time.Second

const sessionCookieName = "CEMAPI"

// Endpoint ids of the CEM API.
const (
	endpointAuth             = 4
	endpointLastReading      = 8
	endpointUserInfo         = 9
	endpointValueTypes       = 11
	endpointObjects          = 23
	endpointCountersByObject = 45
	endpointCountersByMeter  = 107
	endpointMeters           = 108
	endpointPotTypes         = 222
)

// Client talks to the CEM API: auth + objects + meters + counters + readings.
// Network and 5xx failures are retried internally; 401 responses are returned
// to the caller so the owning coordinator can refresh the credential.
type Client struct {
	http    *http.Client
	baseURL string
	retry   RetryConfig
}

// New creates a CEM API client. baseURL defaults to DefaultBaseURL and
// httpClient to one with the fixed request timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: RequestTimeout}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		retry:   DefaultRetryConfig(),
	}
}

func (c *Client) endpoint(id int, params url.Values) string {
	u := fmt.Sprintf("%s?id=%d", c.baseURL, id)
	if len(params) > 0 {
		u += "&" + params.Encode()
	}
	return u
}

func authHeaders(token, cookie string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	if cookie != "" {
		h.Set("Cookie", sessionCookieName+"="+cookie)
	}
	return h
}

// getJSON performs one GET and decodes the body. Non-2xx responses become
// *StatusError so the classifier can see the code.
func (c *Client) getJSON(ctx context.Context, name, rawURL string, headers http.Header) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		req.Header[k] = vs
	}
	return c.doJSON(name, req)
}

func (c *Client) doJSON(name string, req *http.Request) (any, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Endpoint: name, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ShapeError{Endpoint: name, Reason: "body is not JSON"}
	}
	return payload, nil
}

// coerceList accepts either a top-level list or an object with "data": [...].
func coerceList(payload any, name string) ([]map[string]any, error) {
	raw, ok := payload.([]any)
	if !ok {
		obj, isObj := payload.(map[string]any)
		if !isObj {
			return nil, &ShapeError{Endpoint: name, Reason: "expected a list"}
		}
		raw, ok = obj["data"].([]any)
		if !ok {
			return nil, &ShapeError{Endpoint: name, Reason: "expected a list or a data wrapper"}
		}
	}

	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, isMap := entry.(map[string]any); isMap {
			items = append(items, m)
		}
	}
	return items, nil
}

// Authenticate performs the id=4 login and returns the bearer token, its
// expiry and the session cookie. A 401 here means the configured credentials
// themselves are bad and is surfaced as *AuthRejectedError.
func (c *Client) Authenticate(ctx context.Context, username, password string) (AuthResult, error) {
	name := "cem auth(id=4)"
	form := url.Values{}
	form.Set("user", username)
	form.Set("pass", password)
	target := c.endpoint(endpointAuth, nil)

	result, err := retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) (AuthResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return AuthResult{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return AuthResult{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, resp.Body)
			return AuthResult{}, &StatusError{Endpoint: name, StatusCode: resp.StatusCode}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return AuthResult{}, err
		}

		var payload struct {
			AccessToken string          `json:"access_token"`
			ValidTo     json.RawMessage `json:"valid_to"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return AuthResult{}, &ShapeError{Endpoint: name, Reason: "body is not JSON"}
		}
		if payload.AccessToken == "" || len(payload.ValidTo) == 0 {
			return AuthResult{}, &ShapeError{Endpoint: name, Reason: "missing access_token or valid_to"}
		}

		validToMs, err := parseEpochMs(payload.ValidTo)
		if err != nil {
			return AuthResult{}, &ShapeError{Endpoint: name, Reason: "valid_to is not a millisecond timestamp"}
		}

		cookie := ""
		for _, ck := range resp.Cookies() {
			if ck.Name == sessionCookieName {
				cookie = ck.Value
				break
			}
		}
		if cookie == "" {
			log.Printf("%s: %s cookie NOT present", name, sessionCookieName)
		}

		return AuthResult{
			AccessToken: payload.AccessToken,
			ValidTo:     msToTime(validToMs),
			Cookie:      cookie,
		}, nil
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == 401 {
			return AuthResult{}, &AuthRejectedError{Err: err}
		}
		return AuthResult{}, err
	}
	return result, nil
}

// GetUserInfo fetches the account metadata (id=9).
func (c *Client) GetUserInfo(ctx context.Context, token, cookie string) (UserInfo, error) {
	name := "cem userinfo(id=9)"
	target := c.endpoint(endpointUserInfo, nil)

	return retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) (UserInfo, error) {
		payload, err := c.getJSON(ctx, name, target, authHeaders(token, cookie))
		if err != nil {
			return UserInfo{}, err
		}
		obj, ok := payload.(map[string]any)
		if !ok {
			return UserInfo{}, &ShapeError{Endpoint: name, Reason: "expected an object"}
		}
		return normalizeUserInfo(obj), nil
	})
}

// GetObjects fetches the account's object tree nodes (id=23).
func (c *Client) GetObjects(ctx context.Context, token, cookie string) ([]Object, error) {
	name := "cem objects(id=23)"
	target := c.endpoint(endpointObjects, nil)

	return retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) ([]Object, error) {
		payload, err := c.getJSON(ctx, name, target, authHeaders(token, cookie))
		if err != nil {
			return nil, err
		}
		items, err := coerceList(payload, name)
		if err != nil {
			return nil, err
		}
		objects := make([]Object, 0, len(items))
		for _, item := range items {
			if obj, ok := normalizeObject(item); ok {
				objects = append(objects, obj)
			}
		}
		return objects, nil
	})
}

// GetMeters fetches meters (id=108). When objectID is non-zero the server-side
// filter is attempted under several parameter spellings, then enforced
// client-side because not every deployment honors it.
func (c *Client) GetMeters(ctx context.Context, token, cookie string, objectID int) ([]Meter, error) {
	headers := authHeaders(token, cookie)

	fetch := func(target string) ([]Meter, error) {
		name := fmt.Sprintf("cem meters(%s)", target)
		return retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) ([]Meter, error) {
			payload, err := c.getJSON(ctx, name, target, headers)
			if err != nil {
				return nil, err
			}
			items, err := coerceList(payload, name)
			if err != nil {
				return nil, err
			}
			meters := make([]Meter, 0, len(items))
			for _, item := range items {
				if m, ok := normalizeMeter(item); ok {
					meters = append(meters, m)
				}
			}
			return meters, nil
		})
	}

	var meters []Meter
	var err error
	if objectID != 0 {
		for _, param := range []string{"mis_id", "misid", "misId"} {
			params := url.Values{}
			params.Set(param, fmt.Sprint(objectID))
			meters, err = fetch(c.endpoint(endpointMeters, params))
			if err == nil && len(meters) > 0 {
				break
			}
			if err != nil {
				log.Printf("cem meters(mis=%d): try %s failed: %v", objectID, param, err)
			}
		}
	}
	if len(meters) == 0 {
		meters, err = fetch(c.endpoint(endpointMeters, nil))
		if err != nil {
			return nil, err
		}
	}

	if objectID != 0 {
		before := len(meters)
		filtered := meters[:0]
		for _, m := range meters {
			if m.ObjectID == 0 || m.ObjectID == objectID {
				filtered = append(filtered, m)
			}
		}
		meters = filtered
		if before != len(meters) {
			log.Printf("cem meters: filtered by mis_id=%d (%d -> %d)", objectID, before, len(meters))
		}
	}

	return meters, nil
}

// GetCountersByMeter fetches the counters of one meter (id=107), trying the
// known me_id parameter spellings in turn.
func (c *Client) GetCountersByMeter(ctx context.Context, meterID int, token, cookie string) ([]Counter, error) {
	return c.getCounters(ctx, endpointCountersByMeter, meterID, []string{"me_id", "meid", "meId"}, token, cookie, true)
}

// GetCountersForObject fetches the counters of one object (id=45), trying the
// known mis_id parameter spellings in turn.
func (c *Client) GetCountersForObject(ctx context.Context, objectID int, token, cookie string) ([]Counter, error) {
	return c.getCounters(ctx, endpointCountersByObject, objectID, []string{"mis_id", "misid", "misId"}, token, cookie, false)
}

func (c *Client) getCounters(ctx context.Context, endpointID, ownerID int, paramSpellings []string, token, cookie string, filterByMeter bool) ([]Counter, error) {
	headers := authHeaders(token, cookie)

	var tried []string
	var lastErr error
	for _, param := range paramSpellings {
		params := url.Values{}
		params.Set(param, fmt.Sprint(ownerID))
		target := c.endpoint(endpointID, params)
		tried = append(tried, target)
		name := fmt.Sprintf("cem counters(id=%d,%s=%d)", endpointID, param, ownerID)

		counters, err := retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) ([]Counter, error) {
			payload, err := c.getJSON(ctx, name, target, headers)
			if err != nil {
				return nil, err
			}
			items, err := coerceList(payload, name)
			if err != nil {
				return nil, err
			}
			counters := make([]Counter, 0, len(items))
			for _, item := range items {
				if counter, ok := normalizeCounter(item); ok {
					counters = append(counters, counter)
				}
			}
			return counters, nil
		})
		if err != nil {
			lastErr = err
			if IsAuthExpired(err) {
				return nil, err
			}
			log.Printf("%s: failed: %v", name, err)
			continue
		}

		// Safety: enforce the meter id on items when the field came back.
		if filterByMeter {
			anyTagged := false
			for _, counter := range counters {
				if counter.MeterID != 0 {
					anyTagged = true
					break
				}
			}
			if anyTagged {
				before := len(counters)
				filtered := counters[:0]
				for _, counter := range counters {
					if counter.MeterID == ownerID {
						filtered = append(filtered, counter)
					}
				}
				counters = filtered
				if before != len(counters) {
					log.Printf("cem counters: filtered by me_id=%d (%d -> %d)", ownerID, before, len(counters))
				}
			}
		}

		return counters, nil
	}

	return nil, fmt.Errorf("id=%d failed for owner=%d (tried %s): %w", endpointID, ownerID, strings.Join(tried, ", "), lastErr)
}

// GetCounterReading fetches the latest reading of one counter
// (id=8&var_id=N). The response is a list, newest first.
func (c *Client) GetCounterReading(ctx context.Context, varID int, token, cookie string) (Reading, error) {
	name := fmt.Sprintf("cem counter(var_id=%d)", varID)
	params := url.Values{}
	params.Set("var_id", fmt.Sprint(varID))
	target := c.endpoint(endpointLastReading, params)
	headers := authHeaders(token, cookie)

	return retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) (Reading, error) {
		payload, err := c.getJSON(ctx, name, target, headers)
		if err != nil {
			return Reading{}, err
		}
		items, err := coerceList(payload, name)
		if err != nil {
			return Reading{}, err
		}
		if len(items) == 0 {
			return Reading{}, &ShapeError{Endpoint: name, Reason: "no readings returned"}
		}

		// Newest first.
		reading, ok := normalizeReading(items[0], varID)
		if !ok {
			return Reading{}, &ShapeError{Endpoint: name, Reason: "reading missing value or timestamp"}
		}
		return reading, nil
	})
}

// GetCounterReadingsBatch fetches the latest readings for many counters in
// one id=8 POST. Entries that cannot be attributed to a requested var_id are
// skipped with a warning; a missing key is the caller's signal to fall back
// to GetCounterReading for that counter. An empty list with keys requested is
// returned as an empty map (the caller treats it as every key missing).
func (c *Client) GetCounterReadingsBatch(ctx context.Context, varIDs []int, token, cookie string) (map[int]Reading, error) {
	name := fmt.Sprintf("cem counter batch(%d var_ids)", len(varIDs))
	target := c.endpoint(endpointLastReading, nil)

	request := make([]map[string]int, 0, len(varIDs))
	for _, id := range varIDs {
		request = append(request, map[string]int{"var_id": id})
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	headers := authHeaders(token, cookie)
	headers.Set("Content-Type", "application/json")

	return retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) (map[int]Reading, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, vs := range headers {
			req.Header[k] = vs
		}

		payload, err := c.doJSON(name, req)
		if err != nil {
			return nil, err
		}
		items, err := coerceList(payload, name)
		if err != nil {
			return nil, err
		}

		if len(items) == 0 && len(varIDs) > 0 {
			log.Printf("%s: backend returned empty list for %d requested var_ids: %v", name, len(varIDs), sortedInts(varIDs))
			return map[int]Reading{}, nil
		}

		result := make(map[int]Reading, len(items))
		for _, item := range items {
			varID, ok := intField(item, varIDKeys...)
			if !ok {
				log.Printf("%s: reading missing var_id: %v", name, item)
				continue
			}
			reading, ok := normalizeReading(item, varID)
			if !ok {
				log.Printf("%s: reading missing value or timestamp: %v", name, item)
				continue
			}
			result[varID] = reading
		}

		var missing []int
		for _, id := range varIDs {
			if _, ok := result[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			log.Printf("%s: %d var_ids not in response: %v", name, len(missing), sortedInts(missing))
		}

		return result, nil
	})
}

// GetPotTypes fetches the global pot/unit type table (id=222).
func (c *Client) GetPotTypes(ctx context.Context, token, cookie string) (map[int]PotType, error) {
	name := "cem pot_types(id=222)"
	target := c.endpoint(endpointPotTypes, nil)

	return retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) (map[int]PotType, error) {
		payload, err := c.getJSON(ctx, name, target, authHeaders(token, cookie))
		if err != nil {
			return nil, err
		}
		items, err := coerceList(payload, name)
		if err != nil {
			return nil, err
		}
		types := make(map[int]PotType, len(items))
		for _, item := range items {
			id, ok := intField(item, "pot_id", "potid", "id")
			if !ok {
				continue
			}
			types[id] = PotType{
				ID:   id,
				Name: strField(item, "pot_name", "name", "nazev"),
				Unit: strField(item, counterUnitKeys...),
			}
		}
		return types, nil
	})
}

// GetCounterValueTypes fetches the counter value type table (id=11&cis=50).
func (c *Client) GetCounterValueTypes(ctx context.Context, token, cookie string, cis int) (map[int]string, error) {
	if cis == 0 {
		cis = 50
	}
	name := fmt.Sprintf("cem counter_value_types(id=11&cis=%d)", cis)
	params := url.Values{}
	params.Set("cis", fmt.Sprint(cis))
	target := c.endpoint(endpointValueTypes, params)

	return retryWithBackoff(ctx, c.retry, name, func(ctx context.Context) (map[int]string, error) {
		payload, err := c.getJSON(ctx, name, target, authHeaders(token, cookie))
		if err != nil {
			return nil, err
		}
		items, err := coerceList(payload, name)
		if err != nil {
			return nil, err
		}
		types := make(map[int]string, len(items))
		for _, item := range items {
			id, ok := intField(item, "pot_type", "id", "cis_id")
			if !ok {
				continue
			}
			if name := strField(item, "name", "nazev", "caption"); name != "" {
				types[id] = name
			}
		}
		return types, nil
	})
}

func normalizeReading(m map[string]any, varID int) (Reading, bool) {
	value, ok := floatField(m, "value")
	if !ok {
		return Reading{}, false
	}
	tsMs, ok := intField(m, "timestamp", "timestamp_ms", "ts")
	if !ok {
		return Reading{}, false
	}
	return Reading{
		VarID:      varID,
		Value:      value,
		ObservedAt: msToTime(int64(tsMs)),
	}, true
}

func parseEpochMs(raw json.RawMessage) (int64, error) {
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return int64(asNumber), nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, err
	}
	var parsed int64
	_, err := fmt.Sscanf(strings.TrimSpace(asString), "%d", &parsed)
	return parsed, err
}

func sortedInts(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}
