package pkg

import "encoding/json"

// PatientRecord is the patient metadata held by the external patient store.
// Field names follow the client_info table of the clinic database.
type PatientRecord struct {
	PatientID         string `json:"patient_id" bson:"patient_id"`
	Name              string `json:"nome_paciente" bson:"nome_paciente"`
	Sex               string `json:"sexo" bson:"sexo"`
	Age               int    `json:"idade" bson:"idade"`
	DiagnosisDate     string `json:"diagnostico_data" bson:"diagnostico_data"`
	CancerType        string `json:"tipo_cancer" bson:"tipo_cancer"`
	Staging           string `json:"estadiamento" bson:"estadiamento"`
	SurgeryDate       string `json:"cirurgia_data" bson:"cirurgia_data"`
	ChemotherapyStart string `json:"quimioterapia_inicio" bson:"quimioterapia_inicio"`
	RadiotherapyStart string `json:"radioterapia_inicio" bson:"radioterapia_inicio"`
	LastAppointment   string `json:"ultima_consulta" bson:"ultima_consulta"`
	NextAppointment   string `json:"proxima_consulta" bson:"proxima_consulta"`
	JourneyStatus     string `json:"status_jornada" bson:"status_jornada"`
	DelayAlert        bool   `json:"alerta_atraso" bson:"alerta_atraso"`
	DelayedStage      string `json:"atraso_etapa" bson:"atraso_etapa"`
}

// PatientAnalysis is the structured result produced by the analysis agent
// for clinicians.
type PatientAnalysis struct {
	PatientID    string   `json:"patient_id"`
	Symptoms     []string `json:"sintomas"`
	Observations string   `json:"observacoes"`
	PlanHint     string   `json:"sugestao_plano"`
}

// Envelope is the JSON frame exchanged over the WebSocket transport.
type Envelope struct {
	Event string          `json:"event"`
	Seq   int             `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the data of an inbound join_room event.  Token is accepted
// as an alias of Hash.
type JoinRequest struct {
	Hash      string `json:"hash"`
	Token     string `json:"token,omitempty"`
	Role      string `json:"role"`
	PatientID string `json:"patient_id,omitempty"`
}

// ChatRequest is the data of an inbound chat_message event.
type ChatRequest struct {
	Hash    string `json:"hash,omitempty"`
	Content string `json:"content"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	PatientID string `json:"patient_id"`
}

// CreateSessionResponse returns the share URL and the session hash.
type CreateSessionResponse struct {
	Message string `json:"message"`
	URL     string `json:"url"`
	Hash    string `json:"hash"`
}
