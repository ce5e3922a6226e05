package handlers

// messages holds the default English text for every message key an API
// error can carry. Clients localise by key and fall back to this text.
var messages = map[string]string{
	"auth.cityInvalid":             "City name is too long.",
	"auth.emailInvalid":            "Enter a valid email address.",
	"auth.emailTaken":              "An account with this email already exists.",
	"auth.invalidCredentials":      "Email or password is incorrect.",
	"auth.nameRequired":            "Display name is required.",
	"auth.passwordWeak":            "Password must be at least 8 characters.",
	"auth.roleInvalid":             "Role must be citizen, ngo or government.",
	"auth.roleNotAllowed":          "Your role cannot use this endpoint.",
	"auth.sessionInvalid":          "Sign in again.",
	"auth.tooManyAttempts":         "Too many attempts. Try again shortly.",
	"chat.empty":                   "Write a message or attach an image.",
	"chat.textTooLong":             "Message is too long.",
	"common.badRequest":            "The request could not be read.",
	"common.internal":              "Something went wrong.",
	"common.notFound":              "Not found.",
	"common.unavailable":           "Service is temporarily unavailable. Try again.",
	"leaderboard.roleInvalid":      "Unknown role filter.",
	"live.idRequired":              "A report id is required for this scope.",
	"live.scopeInvalid":            "Scope must be feed, mine, assigned or report.",
	"media.empty":                  "The uploaded file is empty.",
	"media.notImage":               "Only image uploads are accepted.",
	"media.tooLarge":               "The uploaded file is too large.",
	"reports.afterPhotoRequired":   "Attach an after photo to complete the report.",
	"reports.alreadyTaken":         "Someone else updated this report first.",
	"reports.categoryInvalid":      "Category must be Potholes, Garbage or Deforestation.",
	"reports.descriptionTooLong":   "Description is too long.",
	"reports.locationInvalid":      "Location is out of range.",
	"reports.notAssignee":          "Only the assigned NGO can complete this report.",
	"reports.notAuthor":            "Only the author can edit this report.",
	"reports.notFound":             "Report not found.",
	"reports.photoCount":           "Attach between one and three photos.",
	"reports.roleNotAllowed":       "Your role cannot perform this action.",
	"reports.statusInvalid":        "Unknown status filter.",
	"reports.submissionInvalid":    "Submission id is too long.",
	"reports.titleInvalid":         "Title is required and must be under 200 characters.",
	"reports.transitionNotAllowed": "This report cannot move to that status now.",
	"stats.ngoRequired":            "Pass ngo_id to view an NGO's numbers.",
}

// Message returns the default text for key, or the key itself.
func Message(key string) string {
	if m, ok := messages[key]; ok {
		return m
	}
	return key
}
