package domain

// LessonDescriptor describes a lesson. It does not change during a session.
type LessonDescriptor struct {
	LessonID  string `json:"lesson_id"`
	Title     string `json:"title"`
	Subject   string `json:"subject"`
	Grade     string `json:"grade"`
	Objective string `json:"objective"`
}
