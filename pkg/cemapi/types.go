package cemapi

import (
	"strconv"
	"strings"
	"time"
)

// AuthResult is the outcome of one successful authenticate call.
type AuthResult struct {
	AccessToken string
	ValidTo     time.Time
	Cookie      string // CEMAPI session cookie value, may be empty
}

// Reading is the latest value of one counter as reported by the backend.
type Reading struct {
	VarID      int
	Value      float64
	ObservedAt time.Time // source-reported timestamp
}

// UserInfo describes the account the credentials belong to.
type UserInfo struct {
	UserID  int
	Login   string
	Name    string
	Company string
}

// Object is one site/building node. Objects form a tree via ParentID.
type Object struct {
	ID       int // mis_id
	ParentID int // mis_idp, 0 when the object is a root
	Name     string
}

// Meter is one physical metering device attached to an object.
type Meter struct {
	ID       int // me_id
	ObjectID int // mis_id, 0 when the backend omitted it
	Name     string
	Serial   string
}

// Counter is one metering channel of a meter, identified by var_id.
type Counter struct {
	VarID   int
	MeterID int
	Name    string
	Unit    string
	PotType int
}

// PotType is one entry of the near-static unit/type lookup table.
type PotType struct {
	ID   int
	Name string
	Unit string
}

// The backend is inconsistent about field naming (snake case, no separator,
// camel case, Czech names). Each accepted spelling list is ordered by how
// often the spelling shows up in practice; extraction happens once at the
// ingestion boundary and nothing downstream ever sees the raw maps.
var (
	meterIDKeys     = []string{"me_id", "meid", "meId"}
	objectIDKeys    = []string{"mis_id", "misid", "misId", "object_id", "obj_id"}
	parentIDKeys    = []string{"mis_idp", "misidp", "misIdp", "parent_id"}
	varIDKeys       = []string{"var_id", "varid", "varId"}
	objectNameKeys  = []string{"mis_nazev", "mis_name", "name", "nazev", "název", "caption", "description"}
	meterNameKeys   = []string{"me_nazev", "me_name", "me_desc", "name"}
	meterSerialKeys = []string{"me_serial", "serial", "vyrobni_cislo"}
	counterNameKeys = []string{"poc_nazev", "name", "var_name", "poc_extid"}
	counterUnitKeys = []string{"unit", "jednotka"}
	potTypeKeys     = []string{"pot_type", "pottype", "potType"}
)

// intField returns the first present key coerced to int.
func intField(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case string:
			if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return parsed, true
			}
		}
		return 0, false
	}
	return 0, false
}

// strField returns the first present key that holds a non-empty string.
func strField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func floatField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return parsed, true
			}
		}
		return 0, false
	}
	return 0, false
}

func normalizeObject(m map[string]any) (Object, bool) {
	id, ok := intField(m, objectIDKeys...)
	if !ok {
		return Object{}, false
	}
	parent, _ := intField(m, parentIDKeys...)
	return Object{
		ID:       id,
		ParentID: parent,
		Name:     strField(m, objectNameKeys...),
	}, true
}

func normalizeMeter(m map[string]any) (Meter, bool) {
	id, ok := intField(m, meterIDKeys...)
	if !ok {
		return Meter{}, false
	}
	objectID, _ := intField(m, objectIDKeys...)
	return Meter{
		ID:       id,
		ObjectID: objectID,
		Name:     strField(m, meterNameKeys...),
		Serial:   strField(m, meterSerialKeys...),
	}, true
}

func normalizeCounter(m map[string]any) (Counter, bool) {
	varID, ok := intField(m, varIDKeys...)
	if !ok {
		return Counter{}, false
	}
	meterID, _ := intField(m, meterIDKeys...)
	potType, _ := intField(m, potTypeKeys...)
	return Counter{
		VarID:   varID,
		MeterID: meterID,
		Name:    strField(m, counterNameKeys...),
		Unit:    strField(m, counterUnitKeys...),
		PotType: potType,
	}, true
}

func normalizeUserInfo(m map[string]any) UserInfo {
	userID, _ := intField(m, "user_id", "userid", "uzi_id", "id")
	return UserInfo{
		UserID:  userID,
		Login:   strField(m, "login", "user", "username"),
		Name:    strField(m, "name", "user_name", "jmeno"),
		Company: strField(m, "company", "firma", "company_name"),
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
