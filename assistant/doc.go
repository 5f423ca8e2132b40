// Package assistant implements a Discord bot that helps railway supervisors
// keep on top of their monthly training quotas, with ClickUp as the source
// of truth for scheduled and concluded trainings.
//
// The bot periodically reviews every registered supervisor's standing for the
// current month and sends reminder DMs when someone is at risk of missing
// quota, along with heads-up messages shortly before a training they are
// assigned to begins.
//
// Key components of the package include:
//
//   - Assistant: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and message processing.
//   - ClickUpClient: Talks to the ClickUp API for tasks, members and templates.
//   - QuotaCalculator: Computes per-department quota standings from ClickUp tasks.
//   - Scheduler: Runs the periodic quota and upcoming-training passes.
//   - API: Provides a backend API for bot management and monitoring.
//   - Database: Handles data persistence and retrieval.
//
// The bot supports various commands:
//
//   - /check: Shows the caller's quota standing for the current month.
//   - /create: Books a new training task in ClickUp from a template.
//   - /settings: Views or requests changes to a supervisor's profile.
//   - /review: Lets staff approve or deny pending profile changes.
//   - /contact: Relays a message from a supervisor to the staff channel.
//
// The package also includes features for rate limiting, profile management,
// and extensive logging to ensure smooth operation and easy troubleshooting.
package assistant
