package council

import (
	"fmt"
	"strings"
)

// ResponseLabel returns the anonymized label for the i-th stage-1 response
// ("Response A", "Response B", ...).
func ResponseLabel(i int) string {
	return fmt.Sprintf("Response %c", rune('A'+i))
}

// AnonymizeResponses assigns opaque labels to the stage-1 responses in
// order and returns the label-to-model map. Labels are handed out before
// any stage-2 content is produced so rankings never reveal identity
// mid-stream.
func AnonymizeResponses(stage1 []StageResponse) map[string]string {
	labels := make(map[string]string, len(stage1))
	for i, r := range stage1 {
		labels[ResponseLabel(i)] = r.Model
	}
	return labels
}

// RankingPrompt builds the stage-2 prompt asking a council member to
// evaluate and rank the anonymized peer responses.
func RankingPrompt(userQuery string, stage1 []StageResponse) string {
	var responses strings.Builder
	for i, r := range stage1 {
		if i > 0 {
			responses.WriteString("\n\n")
		}
		fmt.Fprintf(&responses, "%s:\n%s", ResponseLabel(i), r.Response)
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responses.String())
}

// ChairmanPrompt builds the stage-3 prompt asking the chairman to
// synthesize the final answer from the individual responses and rankings.
func ChairmanPrompt(userQuery string, stage1 []StageResponse, stage2 []StageRanking) string {
	var s1 strings.Builder
	for i, r := range stage1 {
		if i > 0 {
			s1.WriteString("\n\n")
		}
		fmt.Fprintf(&s1, "Model: %s\nResponse: %s", r.Model, r.Response)
	}

	var s2 strings.Builder
	for i, r := range stage2 {
		if i > 0 {
			s2.WriteString("\n\n")
		}
		fmt.Fprintf(&s2, "Model: %s\nRanking: %s", r.Model, r.Ranking)
	}

	return fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, userQuery, s1.String(), s2.String())
}

// TitlePrompt builds the prompt for the title-generation collaborator.
func TitlePrompt(userQuery string) string {
	return fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)
}

// SummaryPrompt builds the prompt asking the chairman to compact older
// final answers into one paragraph.
func SummaryPrompt(finals []string) string {
	var b strings.Builder
	b.WriteString("Summarize the following previous final answers into a concise paragraph (one paragraph, keep it short):\n\n")
	for i, p := range finals {
		fmt.Fprintf(&b, "Answer %d: %s\n\n", i+1, p)
	}
	return b.String()
}

// CombinedQuery folds the advisory reply-reference and prior context into
// the query presented to the council. The reply reference, when present,
// takes priority over general context.
func CombinedQuery(content, replyTo, priorContext string) string {
	if replyTo != "" {
		q := fmt.Sprintf("The user is replying to this previous response:\n\n%q\n\nUser's reply: %s", replyTo, content)
		if priorContext != "" {
			q += "\n\nAdditional context from earlier in the conversation:\n" + priorContext
		}
		return q
	}
	if priorContext != "" {
		return content + "\n\nFor context, here are previous responses:\n" + priorContext
	}
	return content
}
