package tasks

// Sink is the chat-adapter boundary: every user-visible task transition
// flows through here. All methods are called on the Task Manager's actor
// goroutine and must not block or call back into the Manager.
type Sink interface {
	OnTaskQueued(task Task)
	OnTaskStarted(task Task)
	OnTaskStreamUpdate(task Task)
	OnTaskCompleted(task Task)
	OnTaskFailed(task Task)
	OnTaskCancelled(task Task)
	OnTaskQuestion(task Task, requestID, question string, options []string)
	OnTaskPermission(task Task, requestID, toolName, summary string)
}
