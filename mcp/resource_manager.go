package mcp

import (
	"fmt"
	"sort"
	"sync"
)

// ResourceManager holds the readable resources a server exposes.
type ResourceManager struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// NewResourceManager creates a ResourceManager seeded with the given
// resources.
func NewResourceManager(resources []Resource) (*ResourceManager, error) {
	rm := &ResourceManager{
		resources: make(map[string]Resource),
	}
	for _, resource := range resources {
		if err := rm.AddResource(resource); err != nil {
			return nil, err
		}
	}
	return rm, nil
}

// AddResource registers a resource under its URI.
func (rm *ResourceManager) AddResource(resource Resource) error {
	if resource.URI == "" {
		return fmt.Errorf("resource URI cannot be empty")
	}
	if resource.MimeType == "" {
		return fmt.Errorf("resource MIME type cannot be empty")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.resources[resource.URI] = resource
	return nil
}

// ListResources returns all resources sorted by URI, with optional
// pagination.
func (rm *ResourceManager) ListResources(cursor string, limit int) ListResourcesResult {
	if limit <= 0 {
		limit = 50
	}

	rm.mu.RLock()
	uris := make([]string, 0, len(rm.resources))
	for uri := range rm.resources {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	startIdx := 0
	if cursor != "" {
		for i, uri := range uris {
			if uri == cursor {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := startIdx + limit
	if endIdx > len(uris) {
		endIdx = len(uris)
	}

	page := make([]Resource, 0, endIdx-startIdx)
	for i := startIdx; i < endIdx; i++ {
		page = append(page, rm.resources[uris[i]])
	}
	rm.mu.RUnlock()

	var nextCursor string
	if endIdx < len(uris) {
		nextCursor = uris[endIdx-1]
	}

	return ListResourcesResult{
		Resources:  page,
		NextCursor: nextCursor,
	}
}

// GetResource retrieves a resource by URI.
func (rm *ResourceManager) GetResource(uri string) (Resource, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	resource, exists := rm.resources[uri]
	if !exists {
		return Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return resource, nil
}

// ReadResource resolves the URI and returns its contents.
func (rm *ResourceManager) ReadResource(params ReadResourceParams) (ReadResourceResult, error) {
	resource, err := rm.GetResource(params.URI)
	if err != nil {
		return ReadResourceResult{}, err
	}

	return ReadResourceResult{
		Contents: []ResourceContent{{
			URI:      resource.URI,
			MimeType: resource.MimeType,
			Text:     resource.TextContent,
		}},
	}, nil
}
