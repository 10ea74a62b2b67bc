// Package catalog reads model listings and disk usage from the backend.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"modelq/internal/transport"
)

const (
	pathCivitaiModels     = "/civitai/models"
	pathHuggingFaceModels = "/huggingface/models"
	pathDiskUsage         = "/api/disk-usage"
)

// Getter is the slice of the transport client the catalog needs.
type Getter interface {
	Get(ctx context.Context, path string, opts ...transport.RequestOption) (*transport.Response, error)
}

// Client wraps the backend's read-only catalog routes.
type Client struct {
	backend Getter
}

// New creates a catalog client over backend.
func New(backend Getter) *Client {
	return &Client{backend: backend}
}

// CivitaiQuery filters a Civitai listing. Zero values are omitted.
type CivitaiQuery struct {
	Query string
	Sort  string
	Tag   string
	Limit int
	Page  int
}

func (q CivitaiQuery) values() url.Values {
	params := url.Values{}
	if v := strings.TrimSpace(q.Query); v != "" {
		params.Set("query", v)
	}
	if v := strings.TrimSpace(q.Sort); v != "" {
		params.Set("sort", v)
	}
	if v := strings.TrimSpace(q.Tag); v != "" {
		params.Set("tag", v)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	return params
}

// HuggingFaceQuery filters a Hugging Face listing.
type HuggingFaceQuery struct {
	Search string
	Limit  int
}

func (q HuggingFaceQuery) values() url.Values {
	params := url.Values{}
	if v := strings.TrimSpace(q.Search); v != "" {
		params.Set("search", v)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return params
}

// CivitaiPage is one page of Civitai results.
type CivitaiPage struct {
	Items    []CivitaiModel `json:"items"`
	Metadata PageMetadata   `json:"metadata"`
}

// PageMetadata carries Civitai paging hints.
type PageMetadata struct {
	TotalItems  int    `json:"totalItems"`
	CurrentPage int    `json:"currentPage"`
	PageSize    int    `json:"pageSize"`
	TotalPages  int    `json:"totalPages"`
	NextPage    string `json:"nextPage"`
}

// HasMore reports whether another page is available.
func (m PageMetadata) HasMore() bool {
	return m.NextPage != "" || (m.TotalPages > 0 && m.CurrentPage < m.TotalPages)
}

// CivitaiModel is a Civitai model summary or detail record.
type CivitaiModel struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	Stats       ModelStats     `json:"stats"`
	Versions    []ModelVersion `json:"modelVersions"`
}

// ModelStats are the popularity counters Civitai reports.
type ModelStats struct {
	DownloadCount int64   `json:"downloadCount"`
	Rating        float64 `json:"rating"`
}

// ModelVersion is one published version of a Civitai model.
type ModelVersion struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	BaseModel   string      `json:"baseModel"`
	DownloadURL string      `json:"downloadUrl"`
	Files       []ModelFile `json:"files"`
}

// ModelFile is one downloadable artifact of a version.
type ModelFile struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	SizeKB      float64 `json:"sizeKB"`
	DownloadURL string  `json:"downloadUrl"`
}

// SizeBytes converts the reported size to bytes.
func (f ModelFile) SizeBytes() uint64 {
	if f.SizeKB <= 0 {
		return 0
	}
	return uint64(f.SizeKB * 1024)
}

// Latest returns the first listed version, which Civitai orders newest first.
func (m CivitaiModel) Latest() (ModelVersion, bool) {
	if len(m.Versions) == 0 {
		return ModelVersion{}, false
	}
	return m.Versions[0], true
}

// DownloadURL picks the URL to hand to the download controller.
func (m CivitaiModel) DownloadURL() string {
	version, ok := m.Latest()
	if !ok {
		return ""
	}
	if version.DownloadURL != "" {
		return version.DownloadURL
	}
	for _, file := range version.Files {
		if file.DownloadURL != "" {
			return file.DownloadURL
		}
	}
	return ""
}

// HuggingFaceModel is a node of the repository tree the backend returns.
type HuggingFaceModel struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Children []HuggingFaceModel `json:"children"`
}

// DownloadURL is the repository page for the model.
func (m HuggingFaceModel) DownloadURL() string {
	return "https://huggingface.co/" + strings.TrimPrefix(m.ID, "/")
}

// DiskUsage is storage consumption per source, in gigabytes.
type DiskUsage struct {
	Civitai     float64 `json:"civitai"`
	HuggingFace float64 `json:"huggingface"`
	Other       float64 `json:"other"`
}

// Total sums every source.
func (d DiskUsage) Total() float64 {
	return d.Civitai + d.HuggingFace + d.Other
}

// ErrUnexpectedPayload marks a response body that does not match the route's shape.
var ErrUnexpectedPayload = errors.New("catalog: unexpected payload")

// CivitaiModels lists Civitai models.
func (c *Client) CivitaiModels(ctx context.Context, q CivitaiQuery) (CivitaiPage, error) {
	var page CivitaiPage
	if err := c.get(ctx, pathCivitaiModels, q.values(), &page); err != nil {
		return CivitaiPage{}, err
	}
	return page, nil
}

// CivitaiModel fetches one Civitai model with its versions.
func (c *Client) CivitaiModel(ctx context.Context, id int64) (CivitaiModel, error) {
	if id <= 0 {
		return CivitaiModel{}, fmt.Errorf("catalog: invalid model id %d", id)
	}
	var model CivitaiModel
	if err := c.get(ctx, pathCivitaiModels+"/"+strconv.FormatInt(id, 10), nil, &model); err != nil {
		return CivitaiModel{}, err
	}
	return model, nil
}

// HuggingFaceModels lists Hugging Face repositories.
func (c *Client) HuggingFaceModels(ctx context.Context, q HuggingFaceQuery) ([]HuggingFaceModel, error) {
	var models []HuggingFaceModel
	if err := c.get(ctx, pathHuggingFaceModels, q.values(), &models); err != nil {
		return nil, err
	}
	return models, nil
}

// DiskUsage reports how much space downloaded models occupy.
func (c *Client) DiskUsage(ctx context.Context) (DiskUsage, error) {
	var usage DiskUsage
	if err := c.get(ctx, pathDiskUsage, nil, &usage); err != nil {
		return DiskUsage{}, err
	}
	return usage, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c == nil || c.backend == nil {
		return errors.New("catalog: client is nil")
	}
	var opts []transport.RequestOption
	if len(query) > 0 {
		opts = append(opts, transport.WithQuery(query))
	}
	resp, err := c.backend.Get(ctx, path, opts...)
	if err != nil {
		return err
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnexpectedPayload, path, err)
	}
	return nil
}
