package database

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId string) (User, error)
	GetAccountByEmail(email string) (User, error)
	ListCounterparts(accountId string) ([]User, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessage(messageId string) (Message, error)
	GetConversation(accountId, otherId string) ([]Message, error)
	DeleteMessage(messageId string) error
}
