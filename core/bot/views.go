package bot

import (
	"fmt"
	"strings"

	"github.com/aqasem/rollcall/core/coordinator"
	"github.com/aqasem/rollcall/core/store"
	"github.com/aqasem/rollcall/core/telegram/format"
)

const taskTimeLayout = "02.01 15:04"

func statusIcon(status store.TaskStatus) string {
	switch status {
	case store.TaskSucceeded:
		return "✅"
	case store.TaskFailed:
		return "❌"
	case store.TaskRunning:
		return "⏳"
	default:
		return "🕓"
	}
}

func taskLine(t store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s · %s", statusIcon(t.Status), t.StudentID, t.Subject)
	if t.Status == store.TaskFailed && t.FailureReason != "" {
		fmt.Fprintf(&b, " (%s)", t.FailureReason)
	}
	fmt.Fprintf(&b, " · %s", format.DerefTime(t.CompletedAt, taskTimeLayout, t.SubmittedAt.Format(taskTimeLayout)))
	if t.Attempts > 1 {
		fmt.Fprintf(&b, " · %d attempts", t.Attempts)
	}
	return b.String()
}

func tasksView(title string, tasks []store.Task) string {
	if len(tasks) == 0 {
		return title + "\n\nNothing yet."
	}
	lines := make([]string, 0, len(tasks)+2)
	lines = append(lines, title, "")
	for _, t := range tasks {
		lines = append(lines, taskLine(t))
	}
	return strings.Join(lines, "\n")
}

func studentLine(s coordinator.Student) string {
	var b strings.Builder
	if s.Pending {
		b.WriteString("🕓 ")
	}
	b.WriteString(s.ID)
	if s.Username != "" {
		fmt.Fprintf(&b, " (%s)", s.Username)
	}
	if len(s.Subjects) > 0 {
		fmt.Fprintf(&b, " · %s", strings.Join(s.Subjects, ", "))
	}
	if s.Pending {
		b.WriteString(" · awaiting approval")
	}
	return b.String()
}

func rosterView(students []coordinator.Student) string {
	if len(students) == 0 {
		return "Roster is empty. Use ➕ Add student to create one."
	}
	lines := make([]string, 0, len(students)+2)
	lines = append(lines, fmt.Sprintf("👥 Roster (%d)", len(students)), "")
	for _, s := range students {
		lines = append(lines, studentLine(s))
	}
	return strings.Join(lines, "\n")
}

func settingsView(s coordinator.Settings) string {
	headless := "off"
	if s.Headless {
		headless = "on"
	}
	geo := s.GeoSource
	if geo == "" {
		geo = "browser"
	}
	if geo == "fixed" {
		geo = fmt.Sprintf("fixed %.5f, %.5f (±%.0fm)", s.GeoLatitude, s.GeoLongitude, s.GeoAccuracy)
	}
	url := s.URL
	if url == "" {
		url = "not set"
	}
	subject := s.SelectedSubject
	if subject == "" {
		subject = "not set"
	}
	return strings.Join([]string{
		"⚙️ Settings",
		"",
		"URL: " + url,
		"Subject: " + subject,
		"Headless: " + headless,
		"Location: " + geo,
	}, "\n")
}

func whoamiView(s coordinator.Student, chatID int64) string {
	lines := []string{
		fmt.Sprintf("You are linked to student %s.", s.ID),
		fmt.Sprintf("Chat id: %d", chatID),
	}
	if s.Username != "" {
		lines = append(lines, "Username: "+s.Username)
	}
	if len(s.Subjects) > 0 {
		lines = append(lines, "Subjects: "+strings.Join(s.Subjects, ", "))
	}
	if s.Pending {
		lines = append(lines, "Status: awaiting approval")
	}
	return strings.Join(lines, "\n")
}

func resultView(t store.Task) string {
	switch t.Status {
	case store.TaskSucceeded:
		return fmt.Sprintf("✅ Check-in done: %s · %s", t.StudentID, t.Subject)
	case store.TaskFailed:
		msg := fmt.Sprintf("❌ Check-in failed: %s · %s (%s)", t.StudentID, t.Subject, t.FailureReason)
		if t.Error != "" {
			msg += "\n" + t.Error
		}
		return msg
	default:
		return fmt.Sprintf("%s %s · %s", statusIcon(t.Status), t.StudentID, t.Subject)
	}
}
