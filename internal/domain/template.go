package domain

import "time"

// Slot value types a template may declare.
const (
	SlotText     = "text"
	SlotList     = "list"
	SlotImageRef = "image-reference"
	SlotRichText = "rich-text"
)

// ContentSlot names one injection point a template exposes.
type ContentSlot struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// TemplateFile is a single static asset extracted from a template bundle.
type TemplateFile struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

// TemplateManifest is the content-slot schema and asset bundle of one
// template, produced fresh per extraction. Slots and files are ordered so
// repeated extractions of an unchanged catalog compare equal.
type TemplateManifest struct {
	TemplateName string         `json:"templateName"`
	Slots        []ContentSlot  `json:"slots"`
	Files        []TemplateFile `json:"files"`
	TotalBytes   int64          `json:"totalSizeBytes"`
	ExtractedAt  time.Time      `json:"extractedAt"`
}

// Slot returns the named slot, if declared.
func (m *TemplateManifest) Slot(name string) (ContentSlot, bool) {
	for _, s := range m.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return ContentSlot{}, false
}

// ExtractOptions tune template extraction for preview and deployment callers.
type ExtractOptions struct {
	IncludeStyles     bool `json:"includeStyles"`
	IncludeComponents bool `json:"includeComponents"`
	MinifyCode        bool `json:"minifyCode"`
}
