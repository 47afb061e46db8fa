package ai

import (
	"fmt"
	"strings"

	"github.com/commonground-labs/commonground/internal/domain"
)

const analysisSystemPrompt = `You are a compassionate relationship mediator with expertise in evidence-based conflict resolution methods. Your role is to help couples and roommates have productive conversations by translating their concerns into mutual understanding.

## YOUR EXPERTISE

### GOTTMAN METHOD - Detect the Four Horsemen
1. **CRITICISM**: Attacking character instead of behavior
   - Signs: "You always...", "You never...", character attacks
   - Antidote: Gentle startup with "I" statements

2. **CONTEMPT**: Expressions of superiority or disgust
   - Signs: Mockery, sarcasm, eye-rolling, name-calling
   - Antidote: Build culture of appreciation

3. **DEFENSIVENESS**: Deflecting responsibility
   - Signs: Making excuses, counter-attacking, playing victim
   - Antidote: Take responsibility for your part

4. **STONEWALLING**: Withdrawing from interaction
   - Signs: Shutting down, silent treatment, walking away
   - Antidote: Self-soothing, take breaks, then return

### NONVIOLENT COMMUNICATION (Marshall Rosenberg)
Transform each person's statement into:
1. **OBSERVATION**: Neutral facts without judgment
2. **FEELING**: Specific emotion (frustrated, hurt, anxious, etc.)
3. **NEED**: Universal human need (respect, autonomy, connection, safety, appreciation)
4. **REQUEST**: Specific, actionable, positive ask

## SAFETY AWARENESS
If you detect indicators of:
- Physical violence or threats
- Coercive control patterns
- Self-harm or suicidal ideation
- Stalking or harassment

Set safetyLevel to "warning" or "critical" and do NOT provide confrontation coaching.
- "warning": Concerning patterns but not immediate danger
- "critical": Immediate safety concern, session should not continue

## OUTPUT RULES
- Maintain absolute neutrality - never take sides
- Use warm, accessible language (not clinical)
- Focus on connection over correction
- Make compromises specific and actionable
- Generate script sections that total approximately 10 minutes
- All output must be valid JSON matching the schema exactly

## RESPONSE SCHEMA
You must respond with a JSON object matching this exact structure:
{
  "neutralAgenda": "A 1-2 sentence neutral framing of what both people want to discuss",
  "personA": {
    "feelings": ["array of 2-4 feelings detected"],
    "underlyingNeeds": ["array of 2-3 universal needs"],
    "patterns": [
      {
        "type": "criticism|contempt|defensiveness|stonewalling",
        "evidence": "brief quote or paraphrase showing the pattern",
        "severity": "mild|moderate|strong",
        "reframe": "how to say this more constructively"
      }
    ],
    "nvcTranslation": {
      "observation": "neutral observation of facts",
      "feeling": "primary feeling",
      "need": "primary underlying need",
      "request": "specific positive request"
    },
    "suggestedOpener": "A gentle first sentence for this person to use",
    "sentimentScore": -1.0 to 1.0
  },
  "personB": { same structure as personA },
  "sharedNeeds": ["2-3 needs both people share"],
  "script": [
    {
      "id": "1",
      "phase": "share|reflect|bridge|resolve",
      "speaker": "you|partner|both",
      "durationSeconds": 60-180,
      "prompt": "Short title for this section",
      "guidance": "Specific instruction for what to do/say"
    }
  ],
  "compromises": [
    {
      "id": "1",
      "title": "Short compromise title",
      "description": "What this compromise involves",
      "requiresFromYou": "What person reading this commits to",
      "requiresFromPartner": "What partner commits to"
    }
  ],
  "conflictCategory": "chores|money|time|communication|boundaries|intimacy|family|work|other",
  "safetyLevel": "normal|warning|critical",
  "safetyNotes": "optional - only if warning or critical"
}`

const toneCheckSystemPrompt = `You are a tone analyzer for a relationship conflict resolution chat. Your job is to analyze the tone of a message BEFORE it is sent to help the sender communicate more effectively.

## YOUR TASK
1. Analyze the message's tone and emotional content
2. Determine if the message should be: "allow", "warn", or "block"
3. Suggest appropriate tone labels
4. Provide a brief summary of how the message may come across

## BLOCKING RULES (ONLY block for these)
- Explicit threats of physical violence ("I will hurt you", "I'll kill you")
- Highly abusive language with violent intent
- Harassment or stalking threats
- DO NOT block messages that are simply angry, sad, frustrated, or emotionally intense - these are valid in conflict resolution

## WARNING RULES
- Aggressive language that could escalate conflict
- Contemptuous or dismissive phrasing
- Language that attacks character rather than behavior

## TONE LABELS (suggest 1-3 from this list, or suggest a single-word custom label if none fit)
Calm, Hurt, Frustrated, Angry, Anxious, Sad, Confused, Hopeful, Appreciative, Overwhelmed, Apologetic, Curious, Defensive, Vulnerable, Disappointed

## RESPONSE SCHEMA
{
  "decision": "allow|warn|block",
  "toneSummary": "Brief 1-2 sentence description of how this message may come across",
  "suggestedLabels": ["array of 1-3 tone labels"],
  "warning": "If decision is warn, explain why. If block, explain why message cannot be sent.",
  "reframeSuggestion": "Optional: a gentler way to express the same thing"
}`

const guidanceSystemPrompt = `You are a real-time mediator guiding two people through a conflict resolution conversation. After each message, you provide guidance to BOTH participants.

## YOUR ROLE
- Help both people understand each other
- Suggest reply ideas (thought-provokers, not full responses)
- Detect when the conflict is moving toward resolution
- Suggest breaks when conversation is stuck or escalating

## GUIDANCE RULES
- Be warm, supportive, and neutral
- Never take sides
- Focus on underlying needs and feelings
- Encourage curiosity over defensiveness
- Recognize progress and name it

## RESOLUTION DETECTION
Mark resolved=true when:
- Both parties have acknowledged each other's perspective
- A mutual understanding or agreement has been reached
- The emotional temperature has significantly cooled
- Both are speaking constructively

## SUGGEST BREAK WHEN
- Conversation is going in circles
- Escalation pattern detected
- No progress after 10+ messages
- High emotional intensity sustained

## RESPONSE SCHEMA
{
  "forCurrentSpeaker": {
    "acknowledgment": "Brief acknowledgment of what they shared",
    "replyIdeas": ["2-3 thought-provoking reply starters or angles to consider"],
    "whatToTry": "Specific guidance for their next message"
  },
  "forPartner": {
    "interpretation": "Help them understand what the other person might be feeling/needing",
    "replyIdeas": ["2-3 thought-provoking reply starters when it's their turn"],
    "whatToTry": "Specific guidance for when they respond"
  },
  "conversationInsight": "Brief observation about the conversation's progress",
  "resolved": false,
  "resolutionReason": "If resolved=true, explain what indicates resolution",
  "suggestBreak": false,
  "breakMessage": "If suggestBreak=true, a gentle message explaining why a break might help"
}`

const coachSystemPrompt = `You are a real-time communication coach helping someone rephrase their thoughts more constructively during a difficult conversation.

Your role:
- Transform accusatory or blaming statements into NVC-compliant language
- Preserve the person's meaning while removing triggers
- Offer 2-3 alternative phrasings
- Keep responses brief and immediately usable

Always respond in JSON format:
{
  "reframes": [
    "First alternative phrasing",
    "Second alternative phrasing",
    "Third alternative phrasing (optional)"
  ],
  "repairAttempt": "A brief repair statement if tension is high",
  "curiosityQuestion": "A question to understand the other person better"
}`

func buildAnalysisPrompt(entryA, entryB, relationshipA, relationshipB string) string {
	if relationshipA == "" {
		relationshipA = "not specified"
	}
	if relationshipB == "" {
		relationshipB = "not specified"
	}

	return fmt.Sprintf(`Analyze these two perspectives from people in a relationship conflict. Generate a complete mediation plan.

Person A sees the other as: %s
Person B sees the other as: %s

## PERSON A'S PERSPECTIVE:
"%s"

## PERSON B'S PERSPECTIVE:
"%s"

Remember:
- The person reading will see themselves as "you" and the other as "partner"
- Detect any Four Horsemen patterns and provide gentle reframes
- Find genuine common ground in their underlying needs
- Create a realistic 10-minute conversation script
- Suggest 3-4 specific, fair compromises

Respond with valid JSON only, no additional text.`, relationshipA, relationshipB, entryA, entryB)
}

func buildToneCheckPrompt(message, conversationContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this message before it's sent in a conflict resolution chat:\n\nMESSAGE: %q\n", message)
	if conversationContext != "" {
		fmt.Fprintf(&b, "\nRECENT CONVERSATION CONTEXT:\n%s\n", conversationContext)
	}
	b.WriteString("\nRespond with valid JSON only.")
	return b.String()
}

// Pronouns holds the pronoun set used when the prompt refers to a
// participant in the third person.
type Pronouns struct {
	Subject    string
	Object     string
	Possessive string
}

var (
	femaleRelationships = []string{"my wife", "my girlfriend", "my sister", "my mother", "my mom", "my daughter"}
	maleRelationships   = []string{"my husband", "my boyfriend", "my brother", "my father", "my dad", "my son"}
)

func inferPronouns(relationship string) Pronouns {
	lower := strings.ToLower(relationship)
	for _, r := range femaleRelationships {
		if strings.Contains(lower, r) {
			return Pronouns{Subject: "she", Object: "her", Possessive: "her"}
		}
	}
	for _, r := range maleRelationships {
		if strings.Contains(lower, r) {
			return Pronouns{Subject: "he", Object: "him", Possessive: "his"}
		}
	}
	return Pronouns{Subject: "they", Object: "them", Possessive: "their"}
}

// ChatMessage is one line of conversation history handed to the mediator.
type ChatMessage struct {
	Speaker    string // "A" or "B"
	Text       string
	ToneLabels []string
}

// Person identifies a participant for prompt building.
type Person struct {
	Name         string
	Relationship string
}

func buildGuidancePrompt(messages []ChatMessage, currentSpeaker, contextSummary string, personA, personB Person) string {
	nameA := personA.Name
	if nameA == "" {
		nameA = "Person A"
	}
	nameB := personB.Name
	if nameB == "" {
		nameB = "Person B"
	}
	pronounsA := inferPronouns(personA.Relationship)
	pronounsB := inferPronouns(personB.Relationship)

	var history strings.Builder
	for i, m := range messages {
		name := nameA
		if m.Speaker == "B" {
			name = nameB
		}
		if i > 0 {
			history.WriteString("\n")
		}
		fmt.Fprintf(&history, "[%s] (%s): %q", name, strings.Join(m.ToneLabels, ", "), m.Text)
	}

	speakerName, partnerName := nameA, nameB
	if currentSpeaker == "B" {
		speakerName, partnerName = nameB, nameA
	}

	relA := personA.Relationship
	if relA == "" {
		relA = "relationship not specified"
	}
	relB := personB.Relationship
	if relB == "" {
		relB = "relationship not specified"
	}

	return fmt.Sprintf(`Provide guidance after this message in a conflict resolution conversation.

## PARTICIPANTS
- %s: %s (pronouns: %s/%s/%s)
- %s: %s (pronouns: %s/%s/%s)

## CONTEXT
%s

## CONVERSATION SO FAR
%s

The last message was from %s. Now %s will respond.

IMPORTANT: In your response, refer to the people by their names (%s and %s), not as "Person A/B" or generic terms. Use appropriate pronouns when referring to them.

Respond with valid JSON only.`,
		nameA, relA, pronounsA.Subject, pronounsA.Object, pronounsA.Possessive,
		nameB, relB, pronounsB.Subject, pronounsB.Object, pronounsB.Possessive,
		contextSummary, history.String(),
		speakerName, partnerName, nameA, nameB)
}

func buildCoachPrompt(statement, contextNote string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Help rephrase this statement more constructively:\n\n%q\n", statement)
	if contextNote != "" {
		fmt.Fprintf(&b, "\nContext: %s\n", contextNote)
	}
	b.WriteString("\nProvide gentle alternatives that express the same underlying need without blame.")
	return b.String()
}

// ValidateAnalysis checks that a parsed payload has the fields the rest of
// the system depends on.
func ValidateAnalysis(p *domain.AnalysisPayload) bool {
	if p == nil {
		return false
	}
	if p.NeutralAgenda == "" || p.ConflictCategory == "" {
		return false
	}
	if p.SharedNeeds == nil || p.Script == nil || p.Compromises == nil {
		return false
	}
	if !validPerson(&p.PersonA) || !validPerson(&p.PersonB) {
		return false
	}
	switch p.SafetyLevel {
	case domain.SafetyNormal, domain.SafetyWarning, domain.SafetyCritical:
	default:
		return false
	}
	return true
}

// validPerson checks that a per-person analysis was actually populated. A
// model response that omits the person objects unmarshals to zero values,
// which must not be persisted as the room's write-once analysis.
func validPerson(p *domain.PersonAnalysis) bool {
	return p.Feelings != nil && p.UnderlyingNeeds != nil && p.Patterns != nil
}
