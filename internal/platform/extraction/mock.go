package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultTranscript is what the mock hears in every recording.
const DefaultTranscript = "Patient complains of cough and fever for 3 days."

// Mock is a deterministic extractor for development and tests.
type Mock struct {
	Transcript string
}

func NewMock() *Mock { return &Mock{Transcript: DefaultTranscript} }

type mockSOAP struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

type mockMedication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Route     string `json:"route,omitempty"`
	Duration  string `json:"duration,omitempty"`
	IsCurrent bool   `json:"is_current"`
}

var mockMedications = []mockMedication{
	{Name: "Paracetamol", Dosage: "500 mg", Frequency: "every 6 hours", Route: "oral", Duration: "5 days", IsCurrent: true},
	{Name: "Dextromethorphan syrup", Dosage: "10 ml", Frequency: "three times daily", Route: "oral", Duration: "5 days", IsCurrent: true},
}

func (m *Mock) Transcribe(ctx context.Context, kind, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("transcribe: no artifact")
	}
	if kind == KindPrescription {
		lines := make([]string, len(mockMedications))
		for i, med := range mockMedications {
			lines[i] = fmt.Sprintf("%s %s %s", med.Name, med.Dosage, med.Frequency)
		}
		return strings.Join(lines, "\n"), nil
	}
	return m.Transcript, nil
}

func (m *Mock) Structure(ctx context.Context, kind, text string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return json.RawMessage(`{}`), nil
	}
	switch kind {
	case KindConsultation:
		return json.Marshal(mockSOAP{
			Subjective: text,
			Objective:  "Temperature 38.2 C. Mild pharyngeal erythema. Chest clear on auscultation.",
			Assessment: "Acute upper respiratory tract infection.",
			Plan:       "Paracetamol 500 mg every 6 hours, fluids, review in 5 days if not improving.",
		})
	case KindPrescription:
		return json.Marshal(map[string][]mockMedication{"medications": mockMedications})
	}
	return nil, fmt.Errorf("structure: unknown kind %q", kind)
}

type mockCurrentMed struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Route     string `json:"route,omitempty"`
	IsCurrent bool   `json:"is_current"`
}

// ProposeLhpEntries proposes each prescribed medication as a current
// medication. Consultations additionally yield a condition from the
// assessment.
func (m *Mock) ProposeLhpEntries(ctx context.Context, subject Subject) ([]Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var payload struct {
		mockSOAP
		SOAP        *mockSOAP        `json:"soap"`
		Medications []mockMedication `json:"medications"`
	}
	if len(subject.Payload) > 0 {
		if err := json.Unmarshal(subject.Payload, &payload); err != nil {
			return nil, fmt.Errorf("propose: decode payload: %w", err)
		}
	}
	if payload.SOAP == nil && payload.Assessment != "" {
		payload.SOAP = &payload.mockSOAP
	}

	var out []Proposal
	add := func(section string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out = append(out, Proposal{Section: section, Entry: raw})
		return nil
	}

	meds := payload.Medications
	if subject.Kind == KindConsultation {
		if payload.SOAP != nil && payload.SOAP.Assessment != "" {
			condition := map[string]string{"label": strings.TrimSuffix(payload.SOAP.Assessment, "."), "notes": "From consultation assessment"}
			if err := add("CHRONIC_CONDITION", condition); err != nil {
				return nil, err
			}
		}
		meds = mockMedications[:1]
	}
	for _, med := range meds {
		if !med.IsCurrent {
			continue
		}
		entry := mockCurrentMed{Name: med.Name, Dosage: med.Dosage, Frequency: med.Frequency, Route: med.Route, IsCurrent: true}
		if err := add("CURRENT_MED", entry); err != nil {
			return nil, err
		}
	}
	return out, nil
}
