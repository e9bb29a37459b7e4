package remote

import "context"

// Account identifies the examined account.
type Account struct {
	AccountID   string
	DisplayName string
	Email       string
}

type accountResponse struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      struct {
		DisplayName string `json:"display_name"`
	} `json:"name"`
}

// CurrentAccount returns the account the token belongs to. It doubles as a
// token check: a revoked token fails here with ErrUnauthorized.
func (c *Client) CurrentAccount(ctx context.Context) (Account, error) {
	var ar accountResponse
	if err := c.rpc(ctx, "/2/users/get_current_account", nil, &ar); err != nil {
		return Account{}, err
	}
	name := ar.Name.DisplayName
	if name == "" {
		name = "unknown"
	}
	return Account{AccountID: ar.AccountID, DisplayName: name, Email: ar.Email}, nil
}
