package memory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/EAbdou1/recallkit/llm"
)

const factExtractionPrompt = `You are a personal information organizer. Your job is to pull durable facts
about the user out of a conversation so they can be remembered in later sessions.

Record facts of these kinds:
- personal preferences (food, products, activities, entertainment)
- personal details (names, relationships, important dates)
- plans and intentions (trips, events, goals)
- activity and service preferences (dining, travel, hobbies)
- health and wellness (dietary restrictions, fitness routines)
- professional details (job title, work habits, career goals)
- miscellaneous details (favourite books, movies, brands)

Rules:
- Today's date is {{today}}.
- Only extract facts stated or clearly implied by the user. Ignore the assistant's suggestions.
- Write each fact as a short, self-contained sentence.
- Detect the language of the user input and record facts in that language.
- If nothing worth remembering was said, return an empty list.

Return JSON of the form {"facts": ["...", "..."]}.

Conversation:`

const reconciliationPrompt = `You are a memory manager. You maintain a list of memories about one user and
decide how each newly retrieved fact changes that list. For every fact choose one operation:

- ADD: the fact is new information not present in memory. Use a new id.
- UPDATE: the fact refines or corrects an existing memory about the same subject.
  Keep the existing id, put the merged text in "text" and the previous text in "old_memory".
  Prefer the version that carries more information. Do not update memories that already
  say the same thing.
- DELETE: the fact contradicts an existing memory. Keep the existing id.
- NONE: the fact is already captured. Keep the existing id and leave the memory as it is.

Only use ids that appear in the current memory for UPDATE, DELETE and NONE.
Memories not mentioned in your answer are left unchanged.

Return JSON of the form
{"memory": [{"id": "...", "text": "...", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "..."}]}`

// FactExtractionPrompt returns the extraction instructions dated for now.
func FactExtractionPrompt(now time.Time) string {
	return strings.ReplaceAll(factExtractionPrompt, "{{today}}", now.Format("2006-01-02"))
}

// ReconciliationPrompt renders the reconciliation request. existing must
// already carry the ids the model is allowed to reference.
func ReconciliationPrompt(existing []Existing, facts []string) (string, error) {
	if existing == nil {
		existing = []Existing{}
	}
	memJSON, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return "", err
	}
	factsJSON, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(reconciliationPrompt)
	b.WriteString("\n\nCurrent memory:\n")
	b.Write(memJSON)
	b.WriteString("\n\nNewly retrieved facts:\n")
	b.Write(factsJSON)
	return b.String(), nil
}

// FactsSchema is the structured output contract of fact extraction.
var FactsSchema = llm.Schema{
	Name:        "extract_facts",
	Description: "Record the facts extracted from the conversation",
	Definition: llm.ObjectSchema(map[string]interface{}{
		"facts": llm.ArrayProperty("Durable facts about the user", llm.StringProperty("A single fact")),
	}, "facts"),
}

// PlanSchema is the structured output contract of reconciliation.
var PlanSchema = llm.Schema{
	Name:        "reconcile_memories",
	Description: "Record one operation per fact against the user's memory",
	Definition: llm.ObjectSchema(map[string]interface{}{
		"memory": llm.ArrayProperty("Memory operations", llm.ObjectSchema(map[string]interface{}{
			"id":         llm.StringProperty("Existing memory id, or a new id for ADD"),
			"text":       llm.StringProperty("Memory text after the operation"),
			"event":      llm.StringEnumProperty("Operation to apply", eventNames()...),
			"old_memory": llm.StringProperty("Previous text, for UPDATE"),
		}, "id", "text", "event", "old_memory")),
	}, "memory"),
}

func eventNames() []string {
	names := make([]string, len(Events))
	for i, e := range Events {
		names[i] = string(e)
	}
	return names
}
