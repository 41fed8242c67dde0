package llm

// prompts.go holds the Portuguese prompts used by the analysis agent.  They
// are kept apart from the client so they can be tuned without touching the
// request plumbing.

const (
	// AnalysisSystemPrompt frames the model as an assistant that reads a
	// clinician–patient conversation and always answers with JSON.
	AnalysisSystemPrompt = "Você é um assistente médico especializado que analisa conversas entre médico e paciente. " +
		"Sua tarefa é identificar sintomas, observações e propor um plano de ação breve. " +
		"Sempre retorne o resultado em formato JSON válido de acordo com o schema."

	// AnalysisInstruction is followed by the expected JSON shape, the patient
	// record and the conversation.  %s placeholders are, in order: patient
	// id, patient record JSON, conversation text.
	AnalysisInstruction = `Analise a conversa abaixo e gere o JSON com as seguintes chaves:
{
  "patient_id": "%s",
  "sintomas": [...],
  "observacoes": "...",
  "sugestao_plano": "..."
}

Dados do paciente:
%s

Conversa:
"""
%s
"""`
)
