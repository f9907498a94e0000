package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resources are stored and transported as generic JSON objects: several FHIR
// types share one collection, and search/versioning never need a typed model
// of the full resource. The helpers below are the only sanctioned way to
// touch keys and meta fields.

// ResourceKey is the KV key of the current version: "{Type}/{id}".
func ResourceKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// VersionKey is the KV key of one stored version: "{Type}/{id}/{versionId}".
func VersionKey(resourceType, id string, versionID int) string {
	return fmt.Sprintf("%s/%s/%d", resourceType, id, versionID)
}

// SplitResourceKey parses "{Type}/{id}" back into its parts.
func SplitResourceKey(key string) (resourceType, id string, ok bool) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ResourceTypeOf returns the resourceType field of a document body.
func ResourceTypeOf(doc map[string]interface{}) string {
	rt, _ := doc["resourceType"].(string)
	return rt
}

// ResourceIDOf returns the id field of a document body.
func ResourceIDOf(doc map[string]interface{}) string {
	id, _ := doc["id"].(string)
	return id
}

// VersionOf returns meta.versionId as an integer, or 0 when absent.
func VersionOf(doc map[string]interface{}) int {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		return 0
	}
	vid, _ := meta["versionId"].(string)
	n, _ := strconv.Atoi(vid)
	return n
}

// LastUpdatedOf returns meta.lastUpdated, or "" when absent.
func LastUpdatedOf(doc map[string]interface{}) string {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		return ""
	}
	lu, _ := meta["lastUpdated"].(string)
	return lu
}

// StampMeta sets meta.versionId and meta.lastUpdated on a document body,
// preserving any other meta fields the client sent.
func StampMeta(doc map[string]interface{}, versionID int, now time.Time) {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		doc["meta"] = meta
	}
	meta["versionId"] = strconv.Itoa(versionID)
	meta["lastUpdated"] = now.UTC().Format(time.RFC3339)
}

// IsTombstone reports whether a version document marks a deletion.
func IsTombstone(doc map[string]interface{}) bool {
	deleted, _ := doc["deleted"].(bool)
	return deleted
}

// Tombstone builds the version document written on delete.
func Tombstone(resourceType, id string, versionID int, now time.Time) map[string]interface{} {
	doc := map[string]interface{}{
		"resourceType": resourceType,
		"id":           id,
		"deleted":      true,
	}
	StampMeta(doc, versionID, now)
	return doc
}

// CloneDoc deep-copies a document body. Version snapshots and summary
// projections must never alias the original maps.
func CloneDoc(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneDoc(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// OperationOutcome represents a FHIR OperationOutcome. User-visible failures
// are always a single-issue outcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "deleted", resourceType+"/"+id+" has been deleted")
}
