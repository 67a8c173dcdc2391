package trainer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Prompt is one record of the newline-delimited JSON prompt source.
// NumTerms and NumDigits describe the arithmetic task's complexity and only
// matter for filtering.
type Prompt struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	NumTerms  int    `json:"num_terms"`
	NumDigits int    `json:"num_digits"`
}

// Task converts a prompt record into a rollout task.
func (p Prompt) Task() Task {
	return Task{Question: p.Question, OracleAnswer: p.Answer}
}

// PromptFilter discards records outside the configured complexity bounds.
// A zero bound disables that check.
type PromptFilter struct {
	MaxQuestionLen int `json:"max_question_len"`
	MaxTerms       int `json:"max_terms"`
	MaxDigits      int `json:"max_digits"`
}

func (f PromptFilter) Keep(p Prompt) bool {
	if f.MaxQuestionLen > 0 && len(p.Question) >= f.MaxQuestionLen {
		return false
	}
	if f.MaxTerms > 0 && p.NumTerms > f.MaxTerms {
		return false
	}
	if f.MaxDigits > 0 && p.NumDigits > f.MaxDigits {
		return false
	}
	return true
}

// ReadPrompts loads up to maxRows records passing keep from a jsonl file.
// maxRows <= 0 means unbounded. A record that fails to parse aborts the load;
// a malformed prompt source is not something training can recover from.
func ReadPrompts(path string, keep func(Prompt) bool, maxRows int) ([]Prompt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var prompts []Prompt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var p Prompt
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("%s:%d: malformed prompt record: %w", path, line, err)
		}
		if keep == nil || keep(p) {
			prompts = append(prompts, p)
		}
		if maxRows > 0 && len(prompts) >= maxRows {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return prompts, nil
}
