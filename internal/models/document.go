package models

import "encoding/json"

// Processing states reported by the document processor.
const (
	ProcessingUploaded   = "uploaded"
	ProcessingProcessing = "processing"
	ProcessingCompleted  = "completed"
	ProcessingFailed     = "failed"
)

// Document is the typed view of a documents row.
type Document struct {
	Filename         string          `json:"filename"`
	OriginalPath     string          `json:"original_path,omitempty"`
	FileType         string          `json:"file_type,omitempty"`
	FileSize         int64           `json:"file_size,omitempty"`
	ProcessingStatus string          `json:"processing_status,omitempty"`
	ProcessedData    json.RawMessage `json:"processed_data,omitempty"`
	ExtractedText    string          `json:"extracted_text,omitempty"`
	ConfidenceScore  float64         `json:"confidence_score,omitempty"`
}

// TableName returns the table name for Document.
func (Document) TableName() string {
	return "documents"
}

// ToFields converts the document into store fields. Empty optional values are omitted.
func (d *Document) ToFields() map[string]interface{} {
	f := map[string]interface{}{"filename": d.Filename}
	if d.OriginalPath != "" {
		f["original_path"] = d.OriginalPath
	}
	if d.FileType != "" {
		f["file_type"] = d.FileType
	}
	if d.FileSize != 0 {
		f["file_size"] = d.FileSize
	}
	if d.ProcessingStatus != "" {
		f["processing_status"] = d.ProcessingStatus
	}
	if len(d.ProcessedData) > 0 {
		var v interface{}
		if err := json.Unmarshal(d.ProcessedData, &v); err == nil {
			f["processed_data"] = v
		}
	}
	if d.ExtractedText != "" {
		f["extracted_text"] = d.ExtractedText
	}
	if d.ConfidenceScore != 0 {
		f["confidence_score"] = d.ConfidenceScore
	}
	return f
}

// DocumentFromRecord builds a Document from a documents record.
func DocumentFromRecord(r *Record) *Document {
	d := &Document{
		Filename:         r.Field("filename"),
		OriginalPath:     r.Field("original_path"),
		FileType:         r.Field("file_type"),
		ProcessingStatus: r.Field("processing_status"),
		ExtractedText:    r.Field("extracted_text"),
	}
	switch v := r.Fields["file_size"].(type) {
	case int64:
		d.FileSize = v
	case float64:
		d.FileSize = int64(v)
	}
	if v, ok := r.Fields["confidence_score"].(float64); ok {
		d.ConfidenceScore = v
	}
	if v, ok := r.Fields["processed_data"]; ok && v != nil {
		if raw, err := json.Marshal(v); err == nil {
			d.ProcessedData = raw
		}
	}
	return d
}

// UserProfile is the typed view of a user_profiles row.
type UserProfile struct {
	Email       string                 `json:"email"`
	DisplayName string                 `json:"display_name,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
}

// TableName returns the table name for UserProfile.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// ToFields converts the profile into store fields.
func (p *UserProfile) ToFields() map[string]interface{} {
	f := map[string]interface{}{"email": p.Email}
	if p.DisplayName != "" {
		f["display_name"] = p.DisplayName
	}
	if p.Preferences != nil {
		f["preferences"] = p.Preferences
	}
	return f
}
