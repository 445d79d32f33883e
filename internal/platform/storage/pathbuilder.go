package storage

import (
	"fmt"
	"strings"
)

// DocumentKind selects the object layout for an order document.
type DocumentKind string

const (
	// KindApplicationManifest is the JSON request picked up by the document renderer.
	KindApplicationManifest DocumentKind = "training-application-manifest"
	// KindApplicationPDF is where the renderer writes the finished application.
	KindApplicationPDF DocumentKind = "training-application-pdf"
)

// BuildObjectPath resolves the object name for an order document.
func BuildObjectPath(kind DocumentKind, orderID string) (string, error) {
	id, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	switch kind {
	case KindApplicationManifest:
		return fmt.Sprintf("orders/%s/training-application.json", id), nil
	case KindApplicationPDF:
		return fmt.Sprintf("orders/%s/training-application.pdf", id), nil
	default:
		return "", fmt.Errorf("storage: unsupported document kind %q", kind)
	}
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
