package library

import "library-lending/lending"

// MemberSeed is a member together with the plain password it starts with.
type MemberSeed struct {
	lending.Member `yaml:",inline"`
	Password       string `yaml:"password"`
}

// DefaultMembers is written into an empty store on first start.
var DefaultMembers = []MemberSeed{
	{Member: lending.Member{ID: "L001", Name: "Admin", Email: "admin@library.com", Role: lending.RoleLibrarian}, Password: "admin123"},
	{Member: lending.Member{ID: "S001", Name: "John Doe", Email: "john@example.com", Role: lending.RoleStudent}, Password: "student123"},
	{Member: lending.Member{ID: "S002", Name: "Jane Smith", Email: "jane@example.com", Role: lending.RoleStudent}, Password: "student123"},
	{Member: lending.Member{ID: "F001", Name: "Dr. Brown", Email: "brown@example.com", Role: lending.RoleFaculty}, Password: "faculty123"},
}

// DefaultBooks is the starting catalog, in id order.
var DefaultBooks = []lending.BookInfo{
	{Title: "Introduction to C++", Author: "Bjarne Stroustrup", Publisher: "Addison-Wesley", Year: 2013, ISBN: "978-0321563842"},
	{Title: "Data Structures", Author: "Robert Sedgewick", Publisher: "Pearson", Year: 2011, ISBN: "978-0321573513"},
	{Title: "Operating Systems", Author: "Abraham Silberschatz", Publisher: "Wiley", Year: 2012, ISBN: "978-1118063330"},
}
