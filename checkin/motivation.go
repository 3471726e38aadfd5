package checkin

import "strings"

type Mood string

const (
	MoodHurting     Mood = "hurting"
	MoodConfidence  Mood = "confidence"
	MoodAngry       Mood = "angry"
	MoodUnstoppable Mood = "unstoppable"
)

var motivations = map[Mood]string{
	MoodHurting: "It is fine that this hurts. Pain is a sign you cared, not a verdict on who you are. " +
		"Give yourself today to feel it, then take one small step that belongs only to you.",
	MoodConfidence: "Look at how far you have come. Every day you pick yourself is a day of proof. " +
		"Hold on to that feeling and spend it on something that moves your life forward.",
	MoodAngry: "That fire is energy. Point it at your goals instead of at them. " +
		"Train, build, create. Let the results do the talking.",
	MoodUnstoppable: "This is the momentum you have been building. You are not just moving on, you are moving up. " +
		"Keep the standard high and keep choosing yourself.",
}

// ParseMood normalises m; unknown moods fall back to MoodUnstoppable.
func ParseMood(m string) Mood {
	mood := Mood(strings.ToLower(strings.TrimSpace(m)))
	if _, ok := motivations[mood]; ok {
		return mood
	}
	return MoodUnstoppable
}

func Motivation(m Mood) string {
	return motivations[ParseMood(string(m))]
}
