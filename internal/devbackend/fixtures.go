package devbackend

import (
	"strconv"
	"strings"
)

type civitaiModel struct {
	ID       int64            `json:"id"`
	Name     string           `json:"name"`
	Type     string           `json:"type"`
	Tags     []string         `json:"tags"`
	Stats    civitaiStats     `json:"stats"`
	Versions []civitaiVersion `json:"modelVersions"`
}

type civitaiStats struct {
	DownloadCount int64   `json:"downloadCount"`
	Rating        float64 `json:"rating"`
}

type civitaiVersion struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	BaseModel   string        `json:"baseModel"`
	DownloadURL string        `json:"downloadUrl"`
	Files       []civitaiFile `json:"files"`
}

type civitaiFile struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	SizeKB float64 `json:"sizeKB"`
}

type huggingFaceNode struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Children []huggingFaceNode `json:"children"`
}

var civitaiFixtures = []civitaiModel{
	fixtureModel(101, "Alpha", "Checkpoint", "SDXL 1.0", 6_775_433, 48210, 4.8, "photorealistic", "base model"),
	fixtureModel(102, "Bravo Anime", "Checkpoint", "SD 1.5", 2_132_000, 120442, 4.9, "anime"),
	fixtureModel(103, "Charlie Detail LoRA", "LORA", "SDXL 1.0", 223_000, 9033, 4.6, "detail", "photorealistic"),
	fixtureModel(104, "Delta Upscaler", "Upscaler", "Other", 67_000, 3020, 4.2, "upscale"),
	fixtureModel(105, "Echo Lineart", "LORA", "SD 1.5", 144_500, 15011, 4.7, "anime", "lineart"),
}

var huggingFaceFixtures = []string{
	"stabilityai/stable-diffusion-xl-base-1.0",
	"stabilityai/stable-diffusion-2-1",
	"runwayml/stable-diffusion-v1-5",
	"black-forest-labs/FLUX.1-dev",
	"openai/clip-vit-large-patch14",
}

func fixtureModel(id int64, name, kind, base string, sizeKB float64, downloads int64, rating float64, tags ...string) civitaiModel {
	versionID := id * 10
	return civitaiModel{
		ID:    id,
		Name:  name,
		Type:  kind,
		Tags:  tags,
		Stats: civitaiStats{DownloadCount: downloads, Rating: rating},
		Versions: []civitaiVersion{{
			ID:          versionID,
			Name:        "v1.0",
			BaseModel:   base,
			DownloadURL: "https://civitai.com/api/download/models/" + strconv.FormatInt(versionID, 10),
			Files:       []civitaiFile{{ID: versionID, Name: strings.ToLower(strings.ReplaceAll(name, " ", "_")) + ".safetensors", SizeKB: sizeKB}},
		}},
	}
}

func filterCivitai(query, tag string) []civitaiModel {
	query = strings.ToLower(strings.TrimSpace(query))
	tag = strings.ToLower(strings.TrimSpace(tag))
	out := make([]civitaiModel, 0, len(civitaiFixtures))
	for _, model := range civitaiFixtures {
		if query != "" && !strings.Contains(strings.ToLower(model.Name), query) {
			continue
		}
		if tag != "" && !hasTag(model.Tags, tag) {
			continue
		}
		out = append(out, model)
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}
