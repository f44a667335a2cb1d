// Package mocks provides shared test doubles: a scripted LLM client, a git
// runner, an in-memory VCS and a static diagnostics source.
//
//	mockLLM := mocks.NewMockLLMClient()
//	mockLLM.QueueComplete(llm.CompletionResponse{Content: "done"})
//	mockLLM.QueueStream("streamed answer")
package mocks
