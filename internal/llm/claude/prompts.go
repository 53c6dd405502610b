package claude

import (
	"encoding/json"
	"strings"

	"github.com/linnemanlabs/lookout/internal/incident"
)

const abbreviations = `Common Hebrew abbreviations you may encounter in reports:
- בקת"ב (בקבוק תבערה) = molotov cocktail
- ז"א (זריקת אבנים) = rock throwing`

var translateSystem = `You are a professional Hebrew to English translator.

Your task is to translate the user's Hebrew text into clear, natural English.

Guidelines:
- Translate the meaning accurately while maintaining natural English flow
- Preserve the original tone and intent of the message
- If parts of the text are already in English, keep them as-is
- Do not add explanations, notes, or commentary
- Do not include phrases like "Here is the translation:" or similar

` + abbreviations + `

Output ONLY the English translation, nothing else.`

var evaluateSystem = `You are an expert translation quality evaluator for Hebrew to English translations.

You will be given the original Hebrew text and an English translation.

` + abbreviations + `

Evaluate the translation on accuracy, fluency, completeness and tone preservation.

Respond with this JSON object ONLY:
{
    "score": <integer from 0 to 10>,
    "feedback": "<actionable feedback, or empty string if the translation is good>"
}

Scoring guidelines:
- 0-3: major errors or missing content
- 4-6: adequate with some issues
- 7-8: good with minor improvements possible
- 9-10: professional quality`

// extractSystem lists the closed crime set so the model cannot invent one.
func extractSystem() string {
	names := make([]string, 0, len(incident.Crimes()))
	for _, c := range incident.Crimes() {
		names = append(names, string(c))
	}
	return `You are an event classifier and data extraction assistant for security incident reports.

Decide whether the report describes a crime or terror-related incident in Judea & Samaria
(West Bank) or Jerusalem. Relevant locations include explicit references to the West Bank,
Judea or Samaria, towns and settlements in the region, Area A/B/C, and regional roads such
as Route 60 or Route 443. Jerusalem is relevant and is the only location that requires an alert.

Valid crime values (use EXACTLY one of these): ` + strings.Join(names, ", ") + `

If the event is NOT relevant respond with:
{"relevant": false, "reason": "<short explanation>"}

If the event IS relevant respond with:
{"relevant": true, "location": "<location name>", "crime": "<crime value>", "requires_alert": <true only for Jerusalem>}

Output ONLY the JSON object, no markdown.`
}

const proposeSystem = `You are an execution planner for incident records.

Given a classified incident, list the actions to take, in order:
- "store" persists the incident record. Every relevant incident is stored.
- "notify" sends an alert. Only when requires_alert is true, and always after "store".
- For a not relevant event, return an empty list.

Each action repeats the incident's exact location and crime.

Respond with this JSON object ONLY:
{"actions": [{"action": "store", "location": "<location>", "crime": "<crime>"}]}`

// translateUser renders the translate prompt. The feedback section is only
// included when there is both feedback and a previous translation to revise.
func translateUser(req incident.TranslateRequest) string {
	var b strings.Builder
	if req.Feedback != "" && req.Previous != "" {
		b.WriteString("Your previous translation attempt was reviewed. Please address this feedback:\n")
		b.WriteString(req.Feedback)
		b.WriteString("\n\nPrevious translation:\n")
		b.WriteString(req.Previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Text to translate:\n")
	b.WriteString(req.Text)
	return b.String()
}

func evaluateUser(source, translation string) string {
	return "Original Hebrew text:\n" + source + "\n\nEnglish translation:\n" + translation
}

func extractUser(text string) string {
	return "Analyze the following translated incident report and extract the relevant data:\n\n" + text
}

func proposeUser(plan incident.PlanResult) (string, error) {
	b, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "", err
	}
	return "Classified incident:\n" + string(b), nil
}
