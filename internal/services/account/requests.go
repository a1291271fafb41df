package account

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/notify"
	"github.com/pilotdata/authsvc/internal/services/lifecycle"
)

// TestAccountOutcome is what the requester of a test account is told.
type TestAccountOutcome string

const (
	TestAccountApproved    TestAccountOutcome = "approved"
	TestAccountUnderReview TestAccountOutcome = "under_review"
)

// TestAccountResult is the outcome of RequestTestAccount.
type TestAccountResult struct {
	Outcome TestAccountOutcome `json:"outcome"`
	Message string             `json:"message"`
}

// ContractRequest asks support for a contract account.
type ContractRequest struct {
	Email               string `json:"email"`
	FirstName           string `json:"first_name"`
	LastName            string `json:"last_name"`
	ContractDescription string `json:"contract_description"`
	InterestDescription string `json:"interest_description"`
}

// UserStatus is the platform status of a user as mirrored in the graph.
type UserStatus struct {
	Email  string `json:"email"`
	Status string `json:"status"`
}

const sendDateLayout = "2006-01-02 15:04 MST"

// RequestTestAccount handles a self-service request to join the test
// project. A directory account whose mail matches email is added to the
// platform user group and the test project group right away. An unknown
// username or a mismatched address is left to support for review. Existing
// platform users are refused: with CONFLICT when they already hold a test
// project role, otherwise with VALIDATION "duplicate_user" after support
// has been told.
func (s *Service) RequestTestAccount(ctx context.Context, username, email string) (*TestAccountResult, error) {
	username, email = strings.TrimSpace(username), strings.TrimSpace(email)
	if username == "" || email == "" {
		return nil, errx.Validation("username and email are required")
	}
	project := s.cfg.TestAccount.ProjectCode
	if project == "" {
		return nil, errx.New(errx.TypeValidation, "test_account_disabled", "test accounts are not offered")
	}
	if !s.directory.Enabled() {
		return nil, errx.New(errx.TypeValidation, "directory_disabled", "directory integration is disabled")
	}
	if err := s.checkExistingUser(ctx, username, email); err != nil {
		return nil, err
	}

	sess, err := s.directory.Connect(ctx)
	if err != nil {
		return nil, errx.Upstream(errx.BackendDirectory, "connect", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("WARNING: account: close directory session: %v", err)
		}
	}()

	entry, err := sess.FindByUsername(ctx, username)
	switch {
	case errx.IsType(err, errx.TypeNotFound):
		log.Printf("INFO: account: test account for %s denied, no directory entry", username)
		s.notifySupport(ctx, "Request for a Test Account Denied - Invalid Username", supportNotice{
			title: "A test account request denied", status: "Denied",
			username: username, email: email,
			notes: "Username does not exist in the directory",
		})
		s.notifyUnderReview(ctx, email, username)
		return &TestAccountResult{Outcome: TestAccountUnderReview, Message: "Request for a test account is under review"}, nil
	case err != nil:
		return nil, errx.Upstream(errx.BackendDirectory, "find_by_username", err)
	}

	firstName := entry.First("givenName")
	if firstName == "" {
		firstName = username
	}
	name := strings.TrimSpace(firstName + " " + entry.First("sn"))

	if !strings.EqualFold(entry.First("mail"), email) {
		log.Printf("INFO: account: test account for %s needs review, email mismatch", username)
		s.notifySupport(ctx, "Action Required: Request for a Test Account submitted, review required", supportNotice{
			title: "A test account request pending review", status: "Pending Review",
			name: name, username: username, email: email,
			notes: "Email address does not match the username in the directory",
		})
		s.notifyUnderReview(ctx, email, firstName)
		return &TestAccountResult{Outcome: TestAccountUnderReview, Message: "Request for a test account is under review"}, nil
	}

	for _, groupDN := range []string{s.directory.UserGroupDN(), s.directory.GroupDN(project)} {
		if err := sess.AddToGroup(ctx, entry.DN, groupDN); err != nil {
			return nil, errx.Upstream(errx.BackendDirectory, "add_to_group", err)
		}
	}
	log.Printf("INFO: account: test account for %s approved", username)

	s.notifySupport(ctx, "Auto-Notification: Request for a Test Account Approved", supportNotice{
		title: "A test account request submitted and approved", status: "Approved",
		name: name, username: username, email: email,
	})
	notify.Send(ctx, s.notifier, notify.Notification{
		Template:  notify.TemplateTestAccountApproved,
		Recipient: email,
		Subject:   "Your request for a test account has been approved",
		Vars: map[string]any{
			"first_name":    firstName,
			"project_code":  project,
			"project_role":  s.cfg.TestAccount.Role,
			"project_name":  s.cfg.TestAccount.ProjectName,
			"url":           s.cfg.Email.LoginURL,
			"url_guide":     s.guideURL(),
			"support_email": s.cfg.Email.Support,
		},
	})
	return &TestAccountResult{Outcome: TestAccountApproved, Message: "Request for a test account has been approved"}, nil
}

// checkExistingUser refuses requests from accounts the identity provider
// already knows.
func (s *Service) checkExistingUser(ctx context.Context, username, email string) error {
	user, err := s.identity.GetUserByEmail(ctx, email)
	if errx.IsType(err, errx.TypeNotFound) {
		return nil
	}
	if err != nil {
		return errx.Upstream(errx.BackendIdentity, "get_user_by_email", err)
	}
	roles, err := s.identity.GetRoles(ctx, user.ID)
	if err != nil {
		return errx.Upstream(errx.BackendIdentity, "get_roles", err)
	}
	project := s.cfg.TestAccount.ProjectCode
	for _, r := range roles {
		if role, ok := identity.SplitRoleName(project, r.Name); ok && slices.Contains(lifecycle.ProjectRoles, role) {
			return errx.Conflict("already_in_test_project",
				fmt.Sprintf("user %s already exists in the test project", username))
		}
	}

	s.notifySupport(ctx, "Action Required: Existing user requested a Test Account", supportNotice{
		title: "Test account request pending review", status: "Pending Review",
		name: user.Name(), username: user.Username, email: email,
		notes: "This user already exists and requested a test account. Please contact the user to determine further action.",
	})
	return errx.New(errx.TypeValidation, "duplicate_user", "duplicate user")
}

// RequestContract forwards a contract request to support and acknowledges
// it to the requester.
func (s *Service) RequestContract(ctx context.Context, req ContractRequest) error {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.FirstName == "" || req.LastName == "" {
		return errx.Validation("email, first_name and last_name are required")
	}
	name := req.FirstName + " " + req.LastName
	notify.Send(ctx, s.notifier, notify.Notification{
		Template:  notify.TemplateContractRequest,
		Recipient: s.cfg.Email.Support,
		Subject:   "Action Required: Pending Request for a Contract Account",
		Vars: map[string]any{
			"name":           name,
			"email":          req.Email,
			"agreement_info": req.ContractDescription,
			"why_interested": req.InterestDescription,
			"send_date":      s.now().UTC().Format(sendDateLayout),
			"url":            s.cfg.Email.LoginURL,
		},
	})
	notify.Send(ctx, s.notifier, notify.Notification{
		Template:  notify.TemplateContractReceived,
		Recipient: req.Email,
		Subject:   "Your contract request is under review",
		Vars: map[string]any{
			"name":          name,
			"url_guide":     s.guideURL(),
			"support_email": s.cfg.Email.Support,
		},
	})
	log.Printf("INFO: account: contract request from %s", req.Email)
	return nil
}

// GetUserStatus returns the graph status of the user with email.
func (s *Service) GetUserStatus(ctx context.Context, email string) (*UserStatus, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errx.Validation("email is required")
	}
	node, err := s.graph.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "get_user", err)
	}
	return &UserStatus{Email: email, Status: node.Status()}, nil
}

type supportNotice struct {
	title, status, name, username, email, notes string
}

func (s *Service) notifySupport(ctx context.Context, subject string, n supportNotice) {
	notify.Send(ctx, s.notifier, notify.Notification{
		Template:  notify.TemplateTestAccountSupport,
		Recipient: s.cfg.Email.Support,
		Subject:   subject,
		Vars: map[string]any{
			"title":     n.title,
			"status":    n.status,
			"name":      n.name,
			"username":  n.username,
			"email":     n.email,
			"project":   s.cfg.TestAccount.ProjectCode,
			"notes":     n.notes,
			"send_date": s.now().UTC().Format(sendDateLayout),
			"url":       s.cfg.Email.LoginURL,
		},
	})
}

func (s *Service) notifyUnderReview(ctx context.Context, email, firstName string) {
	notify.Send(ctx, s.notifier, notify.Notification{
		Template:  notify.TemplateTestAccountReview,
		Recipient: email,
		Subject:   "Your request for a test account is under review",
		Vars: map[string]any{
			"first_name":    firstName,
			"url_guide":     s.guideURL(),
			"support_email": s.cfg.Email.Support,
		},
	})
}

func (s *Service) guideURL() string {
	return strings.TrimSuffix(s.cfg.Email.LoginURL, "/") + "/" + strings.TrimPrefix(s.cfg.TestAccount.GuidePath, "/")
}
