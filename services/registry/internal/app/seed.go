package app

import (
	"context"
	"fmt"
	"math/rand/v2"

	"copyreg/internal/lifecycle"
	"copyreg/internal/util"
	"copyreg/pkg/domain"
)

const seedComment = "Automatic reviewer comment: please clarify the implementation details."

var (
	seedAdjectives = []string{"Innovative", "Smart", "Fast", "Automated", "Digital", "Quantum", "Green"}
	seedNouns      = []string{"Algorithm", "Method", "Engine", "Processor", "Interface", "Analyzer", "Synthesizer", "Module"}
	seedDomains    = []string{"for education", "in medicine", "for finance", "in construction", "for space", "in agriculture"}
)

type seedAccount struct {
	role    domain.Role
	count   int
	pattern string
}

var seedAccounts = []seedAccount{
	{role: domain.RoleSuperAdmin, count: 1, pattern: "super@test.com"},
	{role: domain.RoleAdmin, count: 2, pattern: "admin%d@test.com"},
	{role: domain.RoleExpert, count: 3, pattern: "expert%d@test.com"},
	{role: domain.RoleApplicant, count: 10, pattern: "user%d@test.com"},
}

// SeedReport counts what Seed created.
type SeedReport struct {
	UsersCreated        int
	UsersExisting       int
	ApplicationsCreated int
}

// Seed fills an empty database with demo accounts sharing one password and
// applications in random statuses. Existing accounts are left untouched.
func (a *App) Seed(ctx context.Context, rnd *rand.Rand, password string, applications int) (SeedReport, error) {
	var report SeedReport
	logger := util.LoggerFromContext(ctx)
	for _, acc := range seedAccounts {
		for i := 1; i <= acc.count; i++ {
			email := acc.pattern
			if acc.count > 1 {
				email = fmt.Sprintf(acc.pattern, i)
			}
			if _, ok, err := a.store.GetUserByEmail(ctx, email); err != nil {
				return report, fmt.Errorf("load user: %w", err)
			} else if ok {
				report.UsersExisting++
				continue
			}
			if _, err := a.CreateUser(ctx, email, password, acc.role); err != nil {
				return report, fmt.Errorf("seed %s: %w", email, err)
			}
			report.UsersCreated++
		}
	}

	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return report, fmt.Errorf("list users: %w", err)
	}
	var applicants []domain.User
	for _, u := range users {
		if u.Role == domain.RoleApplicant {
			applicants = append(applicants, u)
		}
	}
	if len(applicants) == 0 {
		return report, fmt.Errorf("no applicants to own seeded applications")
	}

	for i := 0; i < applications; i++ {
		owner := applicants[rnd.IntN(len(applicants))]
		status := domain.Statuses[rnd.IntN(len(domain.Statuses))]
		now := a.now()
		app := domain.Application{
			ID:    util.NewID(),
			Title: seedTitle(rnd),
			ShortDescription: fmt.Sprintf("Generated application #%d.\nStatus: %s.\nAuthor: %s.\n"+
				"Detailed description of the invention or utility model goes here.", i+1, status, owner.Email),
			Status:    status,
			OwnerID:   owner.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if status == domain.StatusRejected || status == domain.StatusNeedsChanges {
			app.ExpertComment = domain.StringPtr(seedComment)
		}
		entry := lifecycle.Snapshot(app, domain.EventCreated, "", app.ExpertComment, now)
		if err := a.store.CreateApplication(ctx, app, entry); err != nil {
			return report, fmt.Errorf("seed application: %w", err)
		}
		report.ApplicationsCreated++
	}
	logger.Info("seed complete",
		"users_created", report.UsersCreated,
		"users_existing", report.UsersExisting,
		"applications", report.ApplicationsCreated,
	)
	return report, nil
}

func seedTitle(rnd *rand.Rand) string {
	return seedAdjectives[rnd.IntN(len(seedAdjectives))] + " " +
		seedNouns[rnd.IntN(len(seedNouns))] + " " +
		seedDomains[rnd.IntN(len(seedDomains))]
}
