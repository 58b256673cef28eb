package models

const (
	ContextSeparator = "\n---\n"
	ThinkTag         = `(?s)<think>.*?</think>`
	SourceLabel      = "[source: %s#%d]\n%s"
)

var (
	SystemPrompt = `You are a helpful assistant. Use only the provided context to answer the query.
If the context does not contain the answer, say that the document does not provide enough information.
Cite the source labels you relied on.`

	UserPromptTemplate = `Context:
%s
Query: %s`

	InsufficientInformationAnswer = "There is not enough information in the ingested document to answer this question."
)
