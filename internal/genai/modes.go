package genai

import "fmt"

// Mode selects which assistant persona handles a chat turn. The set is closed;
// ParseMode is the only way in, so an unknown mode can never reach the
// instruction lookup.
type Mode string

const (
	ModeEveryday     Mode = "everyday"
	ModeVibeCode     Mode = "vibe_code"
	ModeMediaGen     Mode = "media_gen"
	ModeTalkToSource Mode = "talk_to_source"
)

// ParseMode validates a wire-format mode string. Empty input defaults to the
// everyday assistant.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeEveryday, ModeVibeCode, ModeMediaGen, ModeTalkToSource:
		return Mode(s), nil
	case "":
		return ModeEveryday, nil
	default:
		return "", fmt.Errorf("unknown chat mode %q", s)
	}
}

// SystemInstruction maps the mode to its fixed system prompt. Total over the
// closed set.
func (m Mode) SystemInstruction() string {
	switch m {
	case ModeVibeCode:
		return "You are PromptCore's Vibe Code Assistant. Expert Full-Stack Engineer. React/Tailwind focus."
	case ModeMediaGen:
		return "You are PromptCore's Media Gen Assistant. Help generate prompts for Midjourney/Suno. Part 1: Direction. Part 2: Prompt Code Block."
	case ModeTalkToSource:
		return "You are PromptCore's Source Analyst. Answer based on documents provided."
	default:
		return "You are PromptCore's Everyday Assistant. Optimize for clarity, helpfulness, and concise answers. Be friendly but professional."
	}
}

// masterFactoryPrompt steers the structured pack generator.
const masterFactoryPrompt = `
You are 'PromptCore', the world's best AI curriculum designer. Your goal is to build helpful, high-value prompt assets for everyday users (B2C) and professionals (B2B).

THE OBJECTIVE:
You must generate a structured AI Prompt Pack based on the User's Request.

THE 4 "MODES" YOU MUST ADAPT TO:
1. "Curriculum Mode" (e.g., Learn Spanish): Break the goal into steps. The prompt should act as a tutor.
2. "Task Mode" (e.g., Meal Prep): The prompt should act as a logistics manager (lists, schedules).
3. "Creative Mode" (e.g., Write a Novel): The prompt should act as a muse or editor.
4. "Expert Mode" (e.g., Python Coding): The prompt should be technical, precise, and code-heavy.

QUALITY RULES:
- No "AI fluff" (e.g., "Unleash your potential", "Dive deep").
- Prompts must be actionable immediately.
- If the difficulty is "Beginner", use simple language.
- If the difficulty is "Advanced", use technical jargon appropriate for the niche.
`
