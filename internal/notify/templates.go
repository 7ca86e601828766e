package notify

import "text/template"

// Template names the message kinds this subsystem can dispatch. Each
// follow-up type maps to exactly one template.
type Template string

const (
	TemplatePortalInvite       Template = "portal_invite"
	TemplateQuotationReminder  Template = "quotation_reminder"
	TemplateDateConfirmation   Template = "date_confirmation"
	TemplateWorkReminder       Template = "work_reminder"
	TemplateCompletionReminder Template = "completion_reminder"
)

type messageTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[Template]messageTemplate{
	TemplatePortalInvite: {
		subject: "Your maintenance portal access",
		body: template.Must(template.New(string(TemplatePortalInvite)).Parse(
			"Hello {{.SupplierName}},\n\n" +
				"You have been granted access to the maintenance portal" +
				"{{if .BuildingName}} for {{.BuildingName}}{{end}}.\n\n" +
				"Open the portal using this link:\n{{.PortalURL}}\n\n" +
				"The link expires on {{.ExpiresAt}}. If you were not expecting this email, you can ignore it.\n")),
	},
	TemplateQuotationReminder: {
		subject: "Reminder: quotation pending",
		body: template.Must(template.New(string(TemplateQuotationReminder)).Parse(
			"Hello {{.SupplierName}},\n\n" +
				"We have not yet received your quotation for the work at {{.BuildingName}}:\n" +
				"{{.Description}}\n\n" +
				"Please submit it through the portal:\n{{.PortalURL}}\n")),
	},
	TemplateDateConfirmation: {
		subject: "Please confirm your start date",
		body: template.Must(template.New(string(TemplateDateConfirmation)).Parse(
			"Hello {{.SupplierName}},\n\n" +
				"The start date for the work at {{.BuildingName}} is still unconfirmed:\n" +
				"{{.Description}}\n\n" +
				"Please confirm it through the portal:\n{{.PortalURL}}\n")),
	},
	TemplateWorkReminder: {
		subject: "Upcoming work date",
		body: template.Must(template.New(string(TemplateWorkReminder)).Parse(
			"Hello {{.SupplierName}},\n\n" +
				"This is a reminder that work at {{.BuildingName}} is scheduled for {{.WorkDate}}:\n" +
				"{{.Description}}\n\n" +
				"Details are available in the portal:\n{{.PortalURL}}\n")),
	},
	TemplateCompletionReminder: {
		subject: "Completion overdue",
		body: template.Must(template.New(string(TemplateCompletionReminder)).Parse(
			"Hello {{.SupplierName}},\n\n" +
				"The work at {{.BuildingName}} was expected to complete by {{.ExpectedCompletion}}:\n" +
				"{{.Description}}\n\n" +
				"Please update its status in the portal:\n{{.PortalURL}}\n")),
	},
}
