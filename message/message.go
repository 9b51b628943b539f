// Package message defines the immutable work-item record carried on the
// wire between the orchestrator and the imaging queue.
package message

import (
	"encoding/json"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// Message is the self-describing, JSON-serialised envelope for one
// study's worth of ingest work.
type Message struct {
	MRN                    string    `json:"mrn"`
	AccessionNumber        string    `json:"accession_number"`
	StudyUID               string    `json:"study_uid,omitempty"`
	StudyDate              time.Time `json:"study_date"`
	ProcedureOccurrenceID  int64     `json:"procedure_occurrence_id"`
	ProjectName            string    `json:"project_name"`
	ExtractGeneratedTimestamp time.Time `json:"extract_generated_timestamp"`
}

// Serialise encodes m as the JSON text envelope used on the wire.
func (m Message) Serialise() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return b, nil
}

// Deserialise decodes a Message from its JSON wire form.
func Deserialise(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, skerr.Wrap(err)
	}
	return m, nil
}

// HasStudyUID reports whether the message carries a known study
// instance UID, versus needing to be looked up by (PatientID,
// AccessionNumber): queries use the UID when present, else the pair.
func (m Message) HasStudyUID() bool {
	return m.StudyUID != ""
}
